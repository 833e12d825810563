//go:build !linux

package call

import (
	"log/slog"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"
)

// localMedia holds the captured tracks and their senders. On non-Linux
// platforms no capture drivers are wired, so both senders stay nil and the
// session joins receive-only.
type localMedia struct {
	micTrack  webrtc.TrackLocal
	micSender *webrtc.RTPSender
	camTrack  webrtc.TrackLocal
	camSender *webrtc.RTPSender
	cleanup   func()
}

// mediaCodecs has nothing to carry without capture drivers; the type exists
// so session code is identical across platforms.
type mediaCodecs struct{}

func newMediaAPI() (*webrtc.API, *mediaCodecs, error) {
	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, nil, err
	}

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
	return api, &mediaCodecs{}, nil
}

func captureLocalMedia(pc *webrtc.PeerConnection, _ *mediaCodecs, logger *slog.Logger) (*localMedia, error) {
	logger.Warn("no capture drivers on this platform, joining receive-only")
	for _, kind := range []webrtc.RTPCodecType{webrtc.RTPCodecTypeAudio, webrtc.RTPCodecTypeVideo} {
		if _, err := pc.AddTransceiverFromKind(kind, webrtc.RTPTransceiverInit{
			Direction: webrtc.RTPTransceiverDirectionRecvonly,
		}); err != nil {
			return nil, err
		}
	}
	return &localMedia{}, nil
}
