package call

import (
	"strings"
	"testing"
)

const sampleOffer = "v=0\r\n" +
	"o=- 4611731400430051336 2 IN IP4 127.0.0.1\r\n" +
	"s=-\r\n" +
	"t=0 0\r\n" +
	"m=audio 9 UDP/TLS/RTP/SAVPF 0 8 111\r\n" +
	"c=IN IP4 0.0.0.0\r\n" +
	"a=rtpmap:0 PCMU/8000\r\n" +
	"a=rtpmap:8 PCMA/8000\r\n" +
	"a=rtpmap:111 opus/48000/2\r\n" +
	"a=fmtp:111 minptime=10;useinbandfec=1\r\n" +
	"m=video 9 UDP/TLS/RTP/SAVPF 96\r\n" +
	"a=rtpmap:96 VP8/90000\r\n"

func audioLines(t *testing.T, sdp string) []string {
	t.Helper()
	lines := strings.Split(sdp, "\r\n")
	start, end := -1, len(lines)
	for i, l := range lines {
		if strings.HasPrefix(l, "m=audio") {
			start = i
		} else if start >= 0 && strings.HasPrefix(l, "m=") {
			end = i
			break
		}
	}
	if start < 0 {
		t.Fatal("no audio section in shaped SDP")
	}
	return lines[start:end]
}

func TestShapeAudioPrefersOpus(t *testing.T) {
	shaped := ShapeAudio(sampleOffer)
	section := audioLines(t, shaped)
	if !strings.HasPrefix(section[0], "m=audio 9 UDP/TLS/RTP/SAVPF 111 0 8") {
		t.Errorf("m-line = %q, want opus payload type first", section[0])
	}
}

func TestShapeAudioForcesVoiceProfile(t *testing.T) {
	shaped := ShapeAudio(sampleOffer)
	section := strings.Join(audioLines(t, shaped), "\r\n")

	for _, want := range []string{
		"stereo=0", "sprop-stereo=0", "useinbandfec=1",
		"maxaveragebitrate=40000", "usedtx=0", "minptime=10",
	} {
		if !strings.Contains(section, want) {
			t.Errorf("shaped fmtp missing %q", want)
		}
	}
	if !strings.Contains(section, "a=ptime:20") {
		t.Error("shaped audio section missing a=ptime:20")
	}
}

func TestShapeAudioKeepsForeignFmtpParams(t *testing.T) {
	in := strings.Replace(sampleOffer,
		"a=fmtp:111 minptime=10;useinbandfec=1",
		"a=fmtp:111 minptime=5;cbr=1", 1)
	shaped := ShapeAudio(in)
	if !strings.Contains(shaped, "cbr=1") {
		t.Error("foreign fmtp parameter dropped")
	}
	if strings.Contains(shaped, "minptime=5") {
		t.Error("forced parameter not overridden")
	}
}

func TestShapeAudioAddsMissingFmtpAndPtime(t *testing.T) {
	in := strings.Replace(sampleOffer, "a=fmtp:111 minptime=10;useinbandfec=1\r\n", "", 1)
	shaped := ShapeAudio(in)
	if !strings.Contains(shaped, "a=fmtp:111 ") {
		t.Error("fmtp line not added for opus")
	}
	if !strings.Contains(shaped, "a=ptime:20") {
		t.Error("ptime line not added")
	}
}

func TestShapeAudioIsIdempotent(t *testing.T) {
	once := ShapeAudio(sampleOffer)
	twice := ShapeAudio(once)
	if once != twice {
		t.Errorf("second pass changed the SDP:\nfirst:  %q\nsecond: %q", once, twice)
	}
}

func TestShapeAudioLeavesVideoAlone(t *testing.T) {
	shaped := ShapeAudio(sampleOffer)
	if !strings.Contains(shaped, "m=video 9 UDP/TLS/RTP/SAVPF 96") {
		t.Error("video m-line was modified")
	}
	if !strings.Contains(shaped, "a=rtpmap:96 VP8/90000") {
		t.Error("video rtpmap was modified")
	}
}

func TestShapeAudioNoOpWithoutOpus(t *testing.T) {
	in := "v=0\r\nm=audio 9 RTP/AVP 0\r\na=rtpmap:0 PCMU/8000\r\n"
	if got := ShapeAudio(in); got != in {
		t.Errorf("SDP without opus changed: %q", got)
	}
}

func TestShapeAudioNoOpWithoutAudioSection(t *testing.T) {
	in := "v=0\r\nm=video 9 UDP/TLS/RTP/SAVPF 96\r\na=rtpmap:96 VP8/90000\r\n"
	if got := ShapeAudio(in); got != in {
		t.Errorf("SDP without audio changed: %q", got)
	}
}
