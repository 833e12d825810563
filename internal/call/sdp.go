package call

import (
	"fmt"
	"strings"
)

// opusFmtpParams are the opus encoder settings forced onto every offer and
// answer: voice-tuned mono at 48 kHz with in-band FEC and 20 ms packets.
var opusFmtpParams = []string{
	"minptime=10",
	"useinbandfec=1",
	"stereo=0",
	"sprop-stereo=0",
	"maxaveragebitrate=40000",
	"usedtx=0",
}

const audioPtime = "20"

// ShapeAudio rewrites the session description so opus is the preferred audio
// codec and its fmtp carries the voice profile above. The transform is pure
// and idempotent; a description with no audio section or no opus codec is
// returned unchanged.
func ShapeAudio(sdp string) string {
	sep := "\n"
	if strings.Contains(sdp, "\r\n") {
		sep = "\r\n"
	}
	lines := strings.Split(strings.ReplaceAll(sdp, "\r\n", "\n"), "\n")

	audioStart, audioEnd := audioSection(lines)
	if audioStart < 0 {
		return sdp
	}
	opusPT := findOpusPayloadType(lines[audioStart:audioEnd])
	if opusPT == "" {
		return sdp
	}

	lines[audioStart] = preferPayloadType(lines[audioStart], opusPT)
	section := shapeAudioSection(lines[audioStart:audioEnd], opusPT)

	out := make([]string, 0, len(lines))
	out = append(out, lines[:audioStart]...)
	out = append(out, section...)
	out = append(out, lines[audioEnd:]...)
	return strings.Join(out, sep)
}

// audioSection returns the half-open line range of the first m=audio section,
// or (-1, -1) when there is none.
func audioSection(lines []string) (int, int) {
	start := -1
	for i, line := range lines {
		if strings.HasPrefix(line, "m=audio ") {
			start = i
			break
		}
	}
	if start < 0 {
		return -1, -1
	}
	for i := start + 1; i < len(lines); i++ {
		if strings.HasPrefix(lines[i], "m=") {
			return start, i
		}
	}
	// keep a trailing blank line (from a final CRLF) outside the section
	end := len(lines)
	for end > start+1 && lines[end-1] == "" {
		end--
	}
	return start, end
}

func findOpusPayloadType(audioLines []string) string {
	for _, line := range audioLines {
		if !strings.HasPrefix(line, "a=rtpmap:") {
			continue
		}
		rest := strings.TrimPrefix(line, "a=rtpmap:")
		parts := strings.SplitN(rest, " ", 2)
		if len(parts) != 2 {
			continue
		}
		if strings.HasPrefix(strings.ToLower(parts[1]), "opus/48000") {
			return parts[0]
		}
	}
	return ""
}

// preferPayloadType moves pt to the front of the m-line payload list.
func preferPayloadType(mline, pt string) string {
	fields := strings.Fields(mline)
	if len(fields) <= 3 {
		return mline
	}
	header, payloads := fields[:3], fields[3:]
	reordered := []string{pt}
	for _, p := range payloads {
		if p != pt {
			reordered = append(reordered, p)
		}
	}
	return strings.Join(append(header, reordered...), " ")
}

func shapeAudioSection(audioLines []string, opusPT string) []string {
	fmtpPrefix := "a=fmtp:" + opusPT + " "
	out := make([]string, 0, len(audioLines)+2)

	sawFmtp := false
	sawPtime := false
	rtpmapIdx := -1
	for _, line := range audioLines {
		switch {
		case strings.HasPrefix(line, fmtpPrefix):
			sawFmtp = true
			line = fmtpPrefix + mergeFmtp(strings.TrimPrefix(line, fmtpPrefix))
		case strings.HasPrefix(line, "a=ptime:"):
			sawPtime = true
			line = "a=ptime:" + audioPtime
		case strings.HasPrefix(line, "a=rtpmap:"+opusPT+" "):
			rtpmapIdx = len(out)
		}
		out = append(out, line)
	}

	if !sawFmtp {
		line := fmtpPrefix + strings.Join(opusFmtpParams, ";")
		if rtpmapIdx >= 0 {
			out = append(out[:rtpmapIdx+1], append([]string{line}, out[rtpmapIdx+1:]...)...)
		} else {
			out = append(out, line)
		}
	}
	if !sawPtime {
		out = append(out, "a=ptime:"+audioPtime)
	}
	return out
}

// mergeFmtp overrides the voice-profile keys while keeping any other
// parameters the remote negotiated.
func mergeFmtp(params string) string {
	forced := map[string]string{}
	order := make([]string, 0, len(opusFmtpParams))
	for _, p := range opusFmtpParams {
		k, v, _ := strings.Cut(p, "=")
		forced[k] = v
		order = append(order, k)
	}

	var extras []string
	for _, p := range strings.Split(params, ";") {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		k, _, _ := strings.Cut(p, "=")
		if _, overridden := forced[k]; !overridden {
			extras = append(extras, p)
		}
	}

	merged := make([]string, 0, len(order)+len(extras))
	for _, k := range order {
		merged = append(merged, fmt.Sprintf("%s=%s", k, forced[k]))
	}
	merged = append(merged, extras...)
	return strings.Join(merged, ";")
}
