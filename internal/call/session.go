package call

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media/oggwriter"
)

// Session owns one RTCPeerConnection plus local capture and the remote
// candidate buffer. All negotiation methods are driven by the controller
// event loop; they are not safe for concurrent use.
type Session struct {
	pc     *webrtc.PeerConnection
	buffer *candidateBuffer
	logger *slog.Logger

	media        *localMedia
	micEnabled   bool
	videoEnabled bool

	recMu  sync.Mutex
	rec    *oggwriter.OggWriter
	recPth string

	closeOnce sync.Once
}

// NewSession builds a peer connection against the given ICE servers and
// captures local media where the platform supports it.
func NewSession(iceServers []webrtc.ICEServer, logger *slog.Logger) (*Session, error) {
	api, codecs, err := newMediaAPI()
	if err != nil {
		return nil, fmt.Errorf("build media api: %w", err)
	}
	pc, err := api.NewPeerConnection(webrtc.Configuration{ICEServers: iceServers})
	if err != nil {
		return nil, fmt.Errorf("create peer connection: %w", err)
	}

	media, err := captureLocalMedia(pc, codecs, logger)
	if err != nil {
		pc.Close()
		return nil, &MediaError{Device: "capture", Err: err}
	}

	s := &Session{
		pc:           pc,
		logger:       logger,
		media:        media,
		micEnabled:   media.micSender != nil,
		videoEnabled: media.camSender != nil,
	}
	s.buffer = newCandidateBuffer(pc.AddICECandidate, logger)

	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		logger.Info("remote track", "kind", track.Kind().String(), "codec", track.Codec().MimeType)
		if track.Kind() == webrtc.RTPCodecTypeAudio {
			go s.sinkRemoteAudio(track)
		} else {
			go s.drainTrack(track)
		}
	})
	return s, nil
}

// OnLocalCandidate registers the trickle callback. Must be set before the
// first offer or answer.
func (s *Session) OnLocalCandidate(fn func(webrtc.ICECandidateInit)) {
	s.pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		fn(c.ToJSON())
	})
}

func (s *Session) OnConnectionStateChange(fn func(webrtc.PeerConnectionState)) {
	s.pc.OnConnectionStateChange(fn)
}

// CreateOffer produces a shaped local offer and applies it. With iceRestart
// the candidate buffer returns to queueing mode for the new exchange.
func (s *Session) CreateOffer(iceRestart bool) (string, error) {
	var opts *webrtc.OfferOptions
	if iceRestart {
		opts = &webrtc.OfferOptions{ICERestart: true}
		s.buffer.Reset()
	}
	offer, err := s.pc.CreateOffer(opts)
	if err != nil {
		return "", &NegotiationError{Stage: "offer", Err: err}
	}
	offer.SDP = ShapeAudio(offer.SDP)
	if err := s.pc.SetLocalDescription(offer); err != nil {
		return "", &NegotiationError{Stage: "offer", Err: err}
	}
	return offer.SDP, nil
}

// AcceptOffer applies a remote offer, flushes buffered candidates, and
// returns the shaped local answer.
func (s *Session) AcceptOffer(sdp string) (string, error) {
	remote := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: sdp}
	if err := s.pc.SetRemoteDescription(remote); err != nil {
		return "", &NegotiationError{Stage: "remote-offer", Err: err}
	}
	s.buffer.MarkRemoteSet()

	answer, err := s.pc.CreateAnswer(nil)
	if err != nil {
		return "", &NegotiationError{Stage: "answer", Err: err}
	}
	answer.SDP = ShapeAudio(answer.SDP)
	if err := s.pc.SetLocalDescription(answer); err != nil {
		return "", &NegotiationError{Stage: "answer", Err: err}
	}
	return answer.SDP, nil
}

// AcceptAnswer applies a remote answer and flushes buffered candidates.
func (s *Session) AcceptAnswer(sdp string) error {
	remote := webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: sdp}
	if err := s.pc.SetRemoteDescription(remote); err != nil {
		return &NegotiationError{Stage: "remote-answer", Err: err}
	}
	s.buffer.MarkRemoteSet()
	return nil
}

func (s *Session) AddRemoteCandidate(c webrtc.ICECandidateInit) {
	s.buffer.Push(c)
}

func (s *Session) SignalingState() webrtc.SignalingState {
	return s.pc.SignalingState()
}

// SetMicEnabled swaps the outgoing audio track in or out of the sender.
// Sending nothing is how mute works; the transceiver stays negotiated.
func (s *Session) SetMicEnabled(enabled bool) error {
	if s.media.micSender == nil {
		return &MediaError{Device: "microphone", Err: errNoLocalTrack}
	}
	if enabled == s.micEnabled {
		return nil
	}
	var track webrtc.TrackLocal
	if enabled {
		track = s.media.micTrack
	}
	if err := s.media.micSender.ReplaceTrack(track); err != nil {
		return &MediaError{Device: "microphone", Err: err}
	}
	s.micEnabled = enabled
	return nil
}

func (s *Session) MicEnabled() bool { return s.micEnabled }

func (s *Session) SetVideoEnabled(enabled bool) error {
	if s.media.camSender == nil {
		return &MediaError{Device: "camera", Err: errNoLocalTrack}
	}
	if enabled == s.videoEnabled {
		return nil
	}
	var track webrtc.TrackLocal
	if enabled {
		track = s.media.camTrack
	}
	if err := s.media.camSender.ReplaceTrack(track); err != nil {
		return &MediaError{Device: "camera", Err: err}
	}
	s.videoEnabled = enabled
	return nil
}

func (s *Session) VideoEnabled() bool { return s.videoEnabled }

// StartRecording opens an ogg sink that the remote audio read loop writes
// into. Starting twice is a no-op.
func (s *Session) StartRecording(path string) error {
	s.recMu.Lock()
	defer s.recMu.Unlock()
	if s.rec != nil {
		return nil
	}
	w, err := oggwriter.New(path, 48000, 2)
	if err != nil {
		return fmt.Errorf("open recording sink: %w", err)
	}
	s.rec = w
	s.recPth = path
	s.logger.Info("recording started", "path", path)
	return nil
}

// StopRecording closes the sink and returns the file path, or "" when no
// recording was running.
func (s *Session) StopRecording() (string, error) {
	s.recMu.Lock()
	defer s.recMu.Unlock()
	if s.rec == nil {
		return "", nil
	}
	err := s.rec.Close()
	path := s.recPth
	s.rec = nil
	s.recPth = ""
	s.logger.Info("recording stopped", "path", path)
	return path, err
}

func (s *Session) Recording() bool {
	s.recMu.Lock()
	defer s.recMu.Unlock()
	return s.rec != nil
}

// Close is idempotent and releases capture devices before the connection.
func (s *Session) Close() error {
	var err error
	s.closeOnce.Do(func() {
		if _, recErr := s.StopRecording(); recErr != nil {
			s.logger.Warn("failed to finalize recording", "error", recErr)
		}
		if s.media != nil && s.media.cleanup != nil {
			s.media.cleanup()
		}
		err = s.pc.Close()
	})
	return err
}

func (s *Session) sinkRemoteAudio(track *webrtc.TrackRemote) {
	for {
		pkt, _, err := track.ReadRTP()
		if err != nil {
			return
		}
		s.writeRecording(pkt)
	}
}

func (s *Session) writeRecording(pkt *rtp.Packet) {
	s.recMu.Lock()
	defer s.recMu.Unlock()
	if s.rec == nil {
		return
	}
	if err := s.rec.WriteRTP(pkt); err != nil {
		s.logger.Warn("recording write failed", "error", err)
	}
}

// drainTrack keeps the receiver's RTP loop serviced for tracks we do not
// persist.
func (s *Session) drainTrack(track *webrtc.TrackRemote) {
	for {
		if _, _, err := track.ReadRTP(); err != nil {
			return
		}
	}
}
