//go:build linux

package call

import (
	"errors"
	"log/slog"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	_ "github.com/pion/mediadevices/pkg/driver/camera"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
	"github.com/pion/mediadevices/pkg/frame"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/webrtc/v4"
)

// localMedia holds the captured tracks and their senders. Senders are nil
// when the corresponding device could not be opened.
type localMedia struct {
	micTrack  webrtc.TrackLocal
	micSender *webrtc.RTPSender
	camTrack  webrtc.TrackLocal
	camSender *webrtc.RTPSender
	cleanup   func()
}

// mediaCodecs carries the codec selector from newMediaAPI to the capture
// call that needs it for GetUserMedia constraints.
type mediaCodecs struct {
	selector *mediadevices.CodecSelector
}

// newMediaAPI builds the webrtc API with mediadevices codecs registered and
// ICE timeouts loose enough to ride out short relay outages.
func newMediaAPI() (*webrtc.API, *mediaCodecs, error) {
	vpxParams, err := vpx.NewVP8Params()
	if err != nil {
		return nil, nil, err
	}
	vpxParams.BitRate = 1_000_000

	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, nil, err
	}

	selector := mediadevices.NewCodecSelector(
		mediadevices.WithVideoEncoders(&vpxParams),
		mediadevices.WithAudioEncoders(&opusParams),
	)

	mediaEngine := &webrtc.MediaEngine{}
	selector.Populate(mediaEngine)

	registry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, registry); err != nil {
		return nil, nil, err
	}

	se := webrtc.SettingEngine{}
	se.SetICETimeouts(30*time.Second, 120*time.Second, 2*time.Second)

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(registry),
		webrtc.WithSettingEngine(se),
	)
	return api, &mediaCodecs{selector: selector}, nil
}

// captureLocalMedia opens camera and microphone via V4L2/malgo. GetUserMedia
// fails as a unit, so a busy camera must not take the microphone down with
// it: try audio+video first, then audio-only, then fall back to receive-only
// transceivers.
func captureLocalMedia(pc *webrtc.PeerConnection, codecs *mediaCodecs, logger *slog.Logger) (*localMedia, error) {
	attempts := []struct {
		video bool
		label string
	}{
		{true, "audio+video"},
		{false, "audio-only"},
	}

	for _, a := range attempts {
		constraints := mediadevices.MediaStreamConstraints{
			Codec: codecs.selector,
			Audio: func(_ *mediadevices.MediaTrackConstraints) {},
		}
		if a.video {
			constraints.Video = func(c *mediadevices.MediaTrackConstraints) {
				// raw formats only; MJPEG camera nodes can poison the encoder
				c.FrameFormat = prop.FrameFormatOneOf{
					frame.FormatYUYV,
					frame.FormatI420,
					frame.FormatRGBA,
				}
				c.Width = prop.IntRanged{Max: 640}
				c.Height = prop.IntRanged{Max: 480}
			}
		}

		stream, err := mediadevices.GetUserMedia(constraints)
		if err != nil {
			logger.Warn("media capture attempt failed", "attempt", a.label, "error", err)
			continue
		}

		media := &localMedia{}
		tracks := stream.GetTracks()
		ok := true
		for _, track := range tracks {
			sender, err := pc.AddTrack(track)
			if err != nil {
				logger.Warn("failed to add local track", "kind", track.Kind().String(), "error", err)
				ok = false
				break
			}
			switch track.Kind() {
			case webrtc.RTPCodecTypeAudio:
				media.micTrack, media.micSender = track, sender
			case webrtc.RTPCodecTypeVideo:
				media.camTrack, media.camSender = track, sender
			}
		}
		if !ok || media.micSender == nil {
			for _, t := range tracks {
				t.Close()
			}
			continue
		}

		media.cleanup = func() {
			for _, t := range tracks {
				t.Close()
			}
		}
		logger.Info("local media captured", "profile", a.label, "tracks", len(tracks))
		return media, nil
	}

	logger.Warn("no local media available, joining receive-only")
	if err := addRecvOnlyTransceivers(pc); err != nil {
		return nil, err
	}
	return &localMedia{}, nil
}

func addRecvOnlyTransceivers(pc *webrtc.PeerConnection) error {
	var errs []error
	for _, kind := range []webrtc.RTPCodecType{webrtc.RTPCodecTypeAudio, webrtc.RTPCodecTypeVideo} {
		if _, err := pc.AddTransceiverFromKind(kind, webrtc.RTPTransceiverInit{
			Direction: webrtc.RTPTransceiverDirectionRecvonly,
		}); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
