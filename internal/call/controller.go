package call

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/pion/webrtc/v4"

	"github.com/fundline/dealcall/internal/signal"
)

// Status is the externally visible call lifecycle state.
type Status string

const (
	StatusIdle       Status = "idle"
	StatusConnecting Status = "connecting"
	StatusRinging    Status = "ringing"
	StatusActive     Status = "active"
	StatusEnded      Status = "ended"
	StatusError      Status = "error"
)

// Role is decided by the join handshake: the occupant who sees the peer
// arrive makes the offer, the newcomer answers. Both sides derive it from
// server events, so the two can never both offer.
type Role string

const (
	RoleUndecided Role = ""
	RoleInitiator Role = "initiator"
	RoleReceiver  Role = "receiver"
)

// ChatEntry is one line of the in-call chat log.
type ChatEntry struct {
	Text string
	Own  bool
	At   time.Time
}

// SignalChannel is the slice of the signaling client the controller needs.
// On registrations happen before Dial, matching the channel's contract.
type SignalChannel interface {
	On(msgType string, h signal.Handler) error
	Dial(ctx context.Context, serverURL, roomToken, sessionToken string) error
	Send(msgType string, payload any) error
	Close() error
}

// PeerSession is the slice of the webrtc session the controller drives.
type PeerSession interface {
	OnLocalCandidate(fn func(webrtc.ICECandidateInit))
	OnConnectionStateChange(fn func(webrtc.PeerConnectionState))
	CreateOffer(iceRestart bool) (string, error)
	AcceptOffer(sdp string) (string, error)
	AcceptAnswer(sdp string) error
	AddRemoteCandidate(c webrtc.ICECandidateInit)
	SignalingState() webrtc.SignalingState
	SetMicEnabled(enabled bool) error
	MicEnabled() bool
	SetVideoEnabled(enabled bool) error
	VideoEnabled() bool
	StartRecording(path string) error
	StopRecording() (string, error)
	Recording() bool
	Close() error
}

// NewChannelFunc builds the signaling channel. Swapped in tests.
type NewChannelFunc func(logger *slog.Logger) SignalChannel

// NewSessionFunc builds the peer session. Swapped in tests.
type NewSessionFunc func(iceServers []webrtc.ICEServer, logger *slog.Logger) (PeerSession, error)

// Config wires one controller to one deal call.
type Config struct {
	ServerURL    string
	RoomToken    string
	SessionToken string
	ICEServers   []webrtc.ICEServer

	// RecordingsDir is where a lender's recordings land.
	RecordingsDir string

	// ConnectTimeout bounds the time from offer to active. Zero means 30s.
	ConnectTimeout time.Duration

	Logger *slog.Logger

	NewChannel NewChannelFunc
	NewSession NewSessionFunc
}

const defaultConnectTimeout = 30 * time.Second

// Controller runs one call end to end. Every state transition happens on a
// single event loop goroutine; the exported methods only post events, so they
// are safe to call from anywhere, any number of times.
type Controller struct {
	cfg    Config
	logger *slog.Logger

	events chan event
	done   chan struct{}

	channel SignalChannel
	session PeerSession

	// loop-owned state
	status      Status
	role        Role
	canRecord   bool
	peerID      string
	negotiating bool
	hangingUp   bool
	destroyed   bool
	chat        []ChatEntry
	finalErr    error

	connectTimer *time.Timer

	mu       sync.Mutex // guards the read-side snapshots below
	snapshot Status
	chatCopy []ChatEntry

	onStatus func(Status)
	onChat   func(ChatEntry)

	started bool
	nowFn   func() time.Time
}

// Loop events. One type per cause keeps every transition auditable.
type event interface{ isEvent() }

type evtSignal struct{ env signal.Envelope }
type evtConnState struct{ state webrtc.PeerConnectionState }
type evtLocalCandidate struct{ cand webrtc.ICECandidateInit }
type cmdHangUp struct{}
type cmdToggleMute struct{}
type cmdToggleVideo struct{}
type cmdToggleRecording struct{}
type cmdSendChat struct{ text string }

func (evtSignal) isEvent() {}
func (evtConnState) isEvent() {}
func (evtLocalCandidate) isEvent() {}
func (cmdHangUp) isEvent() {}
func (cmdToggleMute) isEvent() {}
func (cmdToggleVideo) isEvent() {}
func (cmdToggleRecording) isEvent() {}
func (cmdSendChat) isEvent() {}

func New(cfg Config) *Controller {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.ConnectTimeout == 0 {
		cfg.ConnectTimeout = defaultConnectTimeout
	}
	if cfg.NewChannel == nil {
		cfg.NewChannel = func(logger *slog.Logger) SignalChannel {
			return signal.NewChannel(logger)
		}
	}
	if cfg.NewSession == nil {
		cfg.NewSession = func(iceServers []webrtc.ICEServer, logger *slog.Logger) (PeerSession, error) {
			return NewSession(iceServers, logger)
		}
	}
	return &Controller{
		cfg:      cfg,
		logger:   cfg.Logger,
		events:   make(chan event, 32),
		done:     make(chan struct{}),
		status:   StatusIdle,
		snapshot: StatusIdle,
		nowFn:    time.Now,
	}
}

// OnStatusChange registers the status callback. Must be set before Start;
// it fires on the event loop goroutine.
func (c *Controller) OnStatusChange(fn func(Status)) { c.onStatus = fn }

// OnChat registers the chat callback. Must be set before Start.
func (c *Controller) OnChat(fn func(ChatEntry)) { c.onChat = fn }

// Start dials the room and launches the event loop. Calling Start twice is
// an error; the controller is single-use.
func (c *Controller) Start(ctx context.Context) error {
	if c.started {
		return errors.New("controller already started")
	}
	c.started = true

	session, err := c.cfg.NewSession(c.cfg.ICEServers, c.logger)
	if err != nil {
		c.failBeforeLoop(err)
		return err
	}
	c.session = session
	session.OnLocalCandidate(func(cand webrtc.ICECandidateInit) {
		c.post(evtLocalCandidate{cand})
	})
	session.OnConnectionStateChange(func(st webrtc.PeerConnectionState) {
		c.post(evtConnState{st})
	})

	// Handlers must be in place before the transport connects; the channel
	// rejects On after Dial and early messages would otherwise be lost.
	channel := c.cfg.NewChannel(c.logger)
	for _, typ := range []string{
		signal.TypeJoined, signal.TypePeerReady, signal.TypePeerJoined,
		signal.TypeOffer, signal.TypeAnswer, signal.TypeICECandidate,
		signal.TypeChatMessage, signal.TypePeerLeft, signal.TypeError,
		signal.TypeConnectError,
	} {
		typ := typ
		if err := channel.On(typ, func(env signal.Envelope) { c.post(evtSignal{env}) }); err != nil {
			session.Close()
			c.failBeforeLoop(err)
			return err
		}
	}

	if err := channel.Dial(ctx, c.cfg.ServerURL, c.cfg.RoomToken, c.cfg.SessionToken); err != nil {
		session.Close()
		wrapped := wrapDialError(err)
		c.failBeforeLoop(wrapped)
		return wrapped
	}
	c.channel = channel

	c.setStatus(StatusConnecting)
	c.connectTimer = time.NewTimer(c.cfg.ConnectTimeout)

	go c.run(ctx)

	if err := channel.Send(signal.TypeJoin, nil); err != nil {
		c.post(evtSignal{signal.Envelope{
			Type: signal.TypeConnectError,
			Data: signal.MustMarshal(signal.ErrorData{Message: err.Error()}),
		}})
	}
	return nil
}

// HangUp ends the call. Safe to call repeatedly and at any point in the
// lifecycle.
func (c *Controller) HangUp() { c.post(cmdHangUp{}) }

// ToggleMute flips the microphone.
func (c *Controller) ToggleMute() { c.post(cmdToggleMute{}) }

// ToggleVideo flips the camera.
func (c *Controller) ToggleVideo() { c.post(cmdToggleVideo{}) }

// ToggleRecording starts or stops recording. Ignored unless the room token
// granted the recording privilege.
func (c *Controller) ToggleRecording() { c.post(cmdToggleRecording{}) }

// SendChat validates and queues one chat line. Empty input is a silent
// no-op; oversized input is rejected here rather than at the server.
func (c *Controller) SendChat(text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	if utf8.RuneCountInString(text) > signal.MaxChatLength {
		return fmt.Errorf("chat message exceeds %d characters", signal.MaxChatLength)
	}
	c.post(cmdSendChat{text})
	return nil
}

// Status returns the last published lifecycle state.
func (c *Controller) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshot
}

// Chat returns a copy of the chat log.
func (c *Controller) Chat() []ChatEntry {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]ChatEntry, len(c.chatCopy))
	copy(out, c.chatCopy)
	return out
}

// Done closes when the call reaches ended or error.
func (c *Controller) Done() <-chan struct{} { return c.done }

// Err reports the terminal error, if the call ended in one.
func (c *Controller) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.finalErr
}

func (c *Controller) post(e event) {
	select {
	case c.events <- e:
	case <-c.done:
	}
}

func (c *Controller) failBeforeLoop(err error) {
	c.mu.Lock()
	c.finalErr = err
	c.snapshot = StatusError
	c.mu.Unlock()
	c.status = StatusError
	if c.onStatus != nil {
		c.onStatus(StatusError)
	}
	close(c.done)
}

func (c *Controller) run(ctx context.Context) {
	defer c.teardown()

	for {
		select {
		case <-ctx.Done():
			c.hangingUp = true
			return
		case <-c.connectTimer.C:
			if c.status != StatusActive {
				c.fail(&TransportError{Err: fmt.Errorf("call did not connect within %s", c.cfg.ConnectTimeout)})
				return
			}
		case e := <-c.events:
			c.handle(e)
			if c.status == StatusEnded || c.status == StatusError {
				return
			}
		}
	}
}

func (c *Controller) handle(e event) {
	switch e := e.(type) {
	case evtSignal:
		c.handleSignal(e.env)
	case evtConnState:
		c.handleConnState(e.state)
	case evtLocalCandidate:
		c.sendCandidate(e.cand)
	case cmdHangUp:
		c.hangingUp = true
		c.setStatus(StatusEnded)
	case cmdToggleMute:
		if err := c.session.SetMicEnabled(!c.session.MicEnabled()); err != nil {
			c.logger.Warn("mute toggle failed", "error", err)
		}
	case cmdToggleVideo:
		if err := c.session.SetVideoEnabled(!c.session.VideoEnabled()); err != nil {
			c.logger.Warn("video toggle failed", "error", err)
		}
	case cmdToggleRecording:
		c.toggleRecording()
	case cmdSendChat:
		c.sendChat(e.text)
	}
}

func (c *Controller) handleSignal(env signal.Envelope) {
	switch env.Type {
	case signal.TypeJoined:
		c.applyJoinAck(env)
		// alone in the room; ring until the counterparty arrives
		c.setStatus(StatusRinging)

	case signal.TypePeerReady:
		// a peer was already waiting; they will offer, we answer
		c.applyJoinAck(env)
		c.role = RoleReceiver
		c.setStatus(StatusConnecting)

	case signal.TypePeerJoined:
		c.role = RoleInitiator
		c.setStatus(StatusConnecting)
		// iceRestart on every offer lets a peer recover from a silent page
		// reload without renegotiating room membership
		c.makeOffer(true)

	case signal.TypeOffer:
		c.handleRemoteOffer(env)

	case signal.TypeAnswer:
		c.handleRemoteAnswer(env)

	case signal.TypeICECandidate:
		var cand webrtc.ICECandidateInit
		if err := json.Unmarshal(env.Data, &cand); err != nil {
			c.logger.Warn("malformed remote candidate", "error", err)
			return
		}
		c.session.AddRemoteCandidate(cand)

	case signal.TypeChatMessage:
		var msg signal.Chat
		if err := json.Unmarshal(env.Data, &msg); err != nil {
			return
		}
		c.appendChat(ChatEntry{Text: msg.Text, Own: false, At: time.Unix(msg.Timestamp, 0)})

	case signal.TypePeerLeft:
		c.logger.Info("peer left the room")
		c.setStatus(StatusEnded)

	case signal.TypeError:
		var data signal.ErrorData
		json.Unmarshal(env.Data, &data)
		c.logger.Warn("room error", "message", data.Message)

	case signal.TypeConnectError:
		var data signal.ErrorData
		json.Unmarshal(env.Data, &data)
		c.fail(&TransportError{Err: errors.New(data.Message)})
	}
}

func (c *Controller) applyJoinAck(env signal.Envelope) {
	var ack signal.JoinAck
	if err := json.Unmarshal(env.Data, &ack); err != nil {
		return
	}
	c.peerID = ack.PeerID
	c.canRecord = ack.CanRecord
}

// makeOffer is guarded twice: a negotiation already in flight must not be
// restarted on top of itself, and pion only accepts a new offer in the
// stable state.
func (c *Controller) makeOffer(iceRestart bool) {
	if c.negotiating {
		c.logger.Warn("offer requested while negotiating, dropped")
		return
	}
	if c.session.SignalingState() != webrtc.SignalingStateStable {
		c.logger.Warn("offer requested outside stable state, dropped",
			"state", c.session.SignalingState().String())
		return
	}
	sdp, err := c.session.CreateOffer(iceRestart)
	if err != nil {
		c.fail(err)
		return
	}
	c.negotiating = true
	if err := c.channel.Send(signal.TypeOffer, signal.SessionDescription{SDP: sdp}); err != nil {
		c.fail(&TransportError{Err: err})
	}
}

func (c *Controller) handleRemoteOffer(env signal.Envelope) {
	if c.session.SignalingState() != webrtc.SignalingStateStable {
		c.logger.Warn("remote offer outside stable state, dropped",
			"state", c.session.SignalingState().String())
		return
	}
	var desc signal.SessionDescription
	if err := json.Unmarshal(env.Data, &desc); err != nil {
		c.logger.Warn("malformed remote offer", "error", err)
		return
	}
	answer, err := c.session.AcceptOffer(desc.SDP)
	if err != nil {
		c.fail(err)
		return
	}
	if err := c.channel.Send(signal.TypeAnswer, signal.SessionDescription{SDP: answer}); err != nil {
		c.fail(&TransportError{Err: err})
	}
}

func (c *Controller) handleRemoteAnswer(env signal.Envelope) {
	if c.session.SignalingState() != webrtc.SignalingStateHaveLocalOffer {
		c.logger.Warn("remote answer without a local offer, dropped",
			"state", c.session.SignalingState().String())
		return
	}
	var desc signal.SessionDescription
	if err := json.Unmarshal(env.Data, &desc); err != nil {
		c.logger.Warn("malformed remote answer", "error", err)
		return
	}
	if err := c.session.AcceptAnswer(desc.SDP); err != nil {
		c.fail(err)
		return
	}
	c.negotiating = false
}

func (c *Controller) handleConnState(state webrtc.PeerConnectionState) {
	c.logger.Info("peer connection state", "state", state.String())
	switch state {
	case webrtc.PeerConnectionStateConnected:
		c.negotiating = false
		c.connectTimer.Stop()
		c.setStatus(StatusActive)
	case webrtc.PeerConnectionStateFailed:
		// no auto-retry; the user re-initiates if they want another attempt
		c.fail(&NegotiationError{Stage: "ice", Err: errors.New("connection failed")})
	case webrtc.PeerConnectionStateDisconnected, webrtc.PeerConnectionStateClosed:
		if !c.hangingUp && c.status != StatusEnded {
			c.logger.Info("peer connection lost, ending call")
			c.setStatus(StatusEnded)
		}
	}
}

func (c *Controller) sendCandidate(cand webrtc.ICECandidateInit) {
	if err := c.channel.Send(signal.TypeICECandidate, cand); err != nil {
		c.logger.Warn("failed to send local candidate", "error", err)
	}
}

func (c *Controller) sendChat(text string) {
	entry := ChatEntry{Text: text, Own: true, At: c.nowFn()}
	msg := signal.Chat{Text: text, Timestamp: entry.At.Unix()}
	if err := c.channel.Send(signal.TypeChatMessage, msg); err != nil {
		c.logger.Warn("failed to send chat", "error", err)
		return
	}
	c.appendChat(entry)
}

func (c *Controller) appendChat(entry ChatEntry) {
	c.chat = append(c.chat, entry)
	c.mu.Lock()
	c.chatCopy = append(c.chatCopy, entry)
	c.mu.Unlock()
	if c.onChat != nil {
		c.onChat(entry)
	}
}

func (c *Controller) toggleRecording() {
	if !c.canRecord {
		c.logger.Warn("recording toggled without the recording privilege, ignored")
		return
	}
	if c.session.Recording() {
		if _, err := c.session.StopRecording(); err != nil {
			c.logger.Warn("failed to stop recording", "error", err)
		}
		return
	}
	name := fmt.Sprintf("call-%d.ogg", c.nowFn().Unix())
	path := filepath.Join(c.cfg.RecordingsDir, name)
	if err := c.session.StartRecording(path); err != nil {
		c.logger.Warn("failed to start recording", "error", err)
	}
}

func (c *Controller) fail(err error) {
	c.logger.Error("call failed", "error", err)
	c.mu.Lock()
	if c.finalErr == nil {
		c.finalErr = err
	}
	c.mu.Unlock()
	c.setStatus(StatusError)
}

func (c *Controller) setStatus(st Status) {
	if c.status == st {
		return
	}
	c.status = st
	c.mu.Lock()
	c.snapshot = st
	c.mu.Unlock()
	c.logger.Info("call status", "status", st)
	if c.onStatus != nil {
		c.onStatus(st)
	}
}

// teardown runs exactly once when the loop exits. Order matters: finalize
// the recording while the session is still open, close the session, tell the
// server we are leaving, then drop the transport.
func (c *Controller) teardown() {
	if c.destroyed {
		return
	}
	c.destroyed = true

	if c.session != nil {
		if c.session.Recording() {
			if _, err := c.session.StopRecording(); err != nil {
				c.logger.Warn("failed to finalize recording", "error", err)
			}
		}
		if err := c.session.Close(); err != nil {
			c.logger.Warn("failed to close peer session", "error", err)
		}
	}
	if c.channel != nil {
		if c.hangingUp {
			c.channel.Send(signal.TypeLeave, nil)
		}
		if err := c.channel.Close(); err != nil {
			c.logger.Warn("failed to close signaling channel", "error", err)
		}
	}
	if c.status != StatusError && c.status != StatusEnded {
		c.setStatus(StatusEnded)
	}
	close(c.done)
}
