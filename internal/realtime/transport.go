package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
	"github.com/yegors/co-coach/pkg/logger"
)

// TransportState is the lifecycle of a PeerTransport.
type TransportState int32

const (
	TransportIdle TransportState = iota
	TransportNegotiating
	TransportOpen
	TransportClosed
)

func (s TransportState) String() string {
	switch s {
	case TransportIdle:
		return "idle"
	case TransportNegotiating:
		return "negotiating"
	case TransportOpen:
		return "open"
	case TransportClosed:
		return "closed"
	default:
		return "unknown"
	}
}

var (
	// ErrChannelNotReady is returned when sending before the event channel has opened.
	ErrChannelNotReady = errors.New("channel not ready")
	// ErrTransportUsed is returned when Open is called on a transport that is not idle.
	ErrTransportUsed = errors.New("transport already opened or closed")
	// ErrTransportClosed is returned when the transport closed while negotiating.
	ErrTransportClosed = errors.New("transport closed")
)

const (
	// EventChannelLabel is the data channel name the realtime endpoint expects.
	EventChannelLabel = "oai-events"
	defaultBaseURL    = "https://api.openai.com"
	maxAnswerBytes    = 1 << 20
)

// Transport is the media and event connection used by a VoiceSession.
type Transport interface {
	Open(ctx context.Context, credential string, session SessionConfig) error
	Send(data []byte) error
	WriteAudio(payload []byte, duration time.Duration) error
	State() TransportState
	Close() error
}

// TransportConfig configures the peer connection and the SDP exchange.
type TransportConfig struct {
	BaseURL    string // realtime API base, without the /v1/realtime path
	Model      string // sent as the model query parameter
	ICEServers []string
	HTTPClient *http.Client
}

// eventChannel is the subset of *webrtc.DataChannel used after negotiation.
type eventChannel interface {
	ReadyState() webrtc.DataChannelState
	SendText(s string) error
	Close() error
}

// PeerTransport carries one outbound Opus track and the JSON event channel
// to the realtime endpoint over WebRTC.
type PeerTransport struct {
	cfg    TransportConfig
	logger *logger.Logger

	onMessage     func([]byte)
	onRemoteAudio func(*rtp.Packet)

	mu     sync.Mutex
	state  TransportState
	cancel context.CancelFunc // aborts an in-flight negotiation
	pc     *webrtc.PeerConnection
	dc     eventChannel
	track  *webrtc.TrackLocalStaticSample
}

var _ Transport = (*PeerTransport)(nil)

// NewPeerTransport creates an idle transport. onMessage receives every
// event channel message and is called from pion's goroutines.
func NewPeerTransport(cfg TransportConfig, onMessage func([]byte), log *logger.Logger) *PeerTransport {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}

	return &PeerTransport{
		cfg:       cfg,
		logger:    log.Named("peer"),
		onMessage: onMessage,
	}
}

// OnRemoteAudio registers a consumer for the assistant's RTP packets. Call before Open.
func (t *PeerTransport) OnRemoteAudio(fn func(*rtp.Packet)) {
	t.mu.Lock()
	t.onRemoteAudio = fn
	t.mu.Unlock()
}

func (t *PeerTransport) State() TransportState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Open negotiates the connection. Any failure closes the transport.
func (t *PeerTransport) Open(ctx context.Context, credential string, session SessionConfig) error {
	t.mu.Lock()
	if t.state != TransportIdle {
		t.mu.Unlock()
		return ErrTransportUsed
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	t.state = TransportNegotiating
	t.cancel = cancel
	t.mu.Unlock()

	start := time.Now()
	if err := t.negotiate(ctx, credential, session); err != nil {
		if t.State() == TransportClosed {
			t.logger.Debug("Negotiation aborted by close", Error(err))
			return fmt.Errorf("%w: %v", ErrTransportClosed, err)
		}
		t.Close()
		t.logger.Error("Negotiation failed", Error(err))
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != TransportNegotiating {
		return ErrTransportClosed
	}
	t.state = TransportOpen

	t.logger.Info("Peer transport open",
		String("model", t.cfg.Model),
		Duration("negotiation", time.Since(start)))
	return nil
}

func (t *PeerTransport) negotiate(ctx context.Context, credential string, session SessionConfig) error {
	config := webrtc.Configuration{}
	if len(t.cfg.ICEServers) > 0 {
		config.ICEServers = []webrtc.ICEServer{{URLs: t.cfg.ICEServers}}
	}

	pc, err := webrtc.NewPeerConnection(config)
	if err != nil {
		return fmt.Errorf("failed to create peer connection: %w", err)
	}
	if !t.attach(func() { t.pc = pc }) {
		pc.Close()
		return ErrTransportClosed
	}

	track, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2},
		"audio", "coach-microphone",
	)
	if err != nil {
		return fmt.Errorf("failed to create audio track: %w", err)
	}
	sender, err := pc.AddTrack(track)
	if err != nil {
		return fmt.Errorf("failed to add audio track: %w", err)
	}
	go drainRTCP(sender)

	pc.OnTrack(func(remote *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		if remote.Kind() != webrtc.RTPCodecTypeAudio {
			return
		}
		t.logger.Debug("Remote audio track started", String("codec", remote.Codec().MimeType))
		go t.readRemoteAudio(remote)
	})

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		t.logger.Debug("Peer connection state changed", String("state", state.String()))
	})

	dc, err := pc.CreateDataChannel(EventChannelLabel, nil)
	if err != nil {
		return fmt.Errorf("failed to create event channel: %w", err)
	}
	dc.OnOpen(func() { t.handleChannelOpen(session) })
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		if t.onMessage != nil {
			t.onMessage(msg.Data)
		}
	})
	if !t.attach(func() { t.dc = dc; t.track = track }) {
		return ErrTransportClosed
	}

	offer, err := pc.CreateOffer(nil)
	if err != nil {
		return fmt.Errorf("failed to create offer: %w", err)
	}
	gathered := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(offer); err != nil {
		return fmt.Errorf("failed to set local description: %w", err)
	}
	select {
	case <-gathered:
	case <-ctx.Done():
		return fmt.Errorf("ice gathering: %w", ctx.Err())
	}

	answer, err := t.exchangeSDP(ctx, credential, pc.LocalDescription().SDP)
	if err != nil {
		return err
	}

	if err := pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: answer}); err != nil {
		return fmt.Errorf("failed to set remote description: %w", err)
	}
	return nil
}

// attach runs fn under the lock unless the transport was closed meanwhile.
func (t *PeerTransport) attach(fn func()) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state == TransportClosed {
		return false
	}
	fn()
	return true
}

// exchangeSDP posts the offer and returns the answer SDP.
func (t *PeerTransport) exchangeSDP(ctx context.Context, credential, offer string) (string, error) {
	endpoint := t.cfg.BaseURL + "/v1/realtime"
	if t.cfg.Model != "" {
		endpoint += "?model=" + url.QueryEscape(t.cfg.Model)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(offer))
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "Bearer "+credential)
	req.Header.Set("Content-Type", "application/sdp")

	resp, err := t.cfg.HTTPClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("sdp exchange failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxAnswerBytes))
	if err != nil {
		return "", fmt.Errorf("failed to read sdp answer: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		t.logger.Error("SDP exchange rejected",
			Int("status_code", resp.StatusCode),
			String("body", truncate(string(body), 512)))
		return "", fmt.Errorf("sdp exchange failed: %s", resp.Status)
	}

	answer := string(body)
	if !strings.HasPrefix(strings.TrimSpace(answer), "v=0") {
		return "", fmt.Errorf("invalid sdp answer received")
	}
	return answer, nil
}

// handleChannelOpen declares the session configuration once the event channel opens.
func (t *PeerTransport) handleChannelOpen(session SessionConfig) {
	t.logger.Info("Event channel open")
	if err := t.sendJSON(newSessionUpdate(session)); err != nil {
		t.logger.Error("Failed to send session configuration", Error(err))
	}
}

// Send writes one event to the event channel.
func (t *PeerTransport) Send(data []byte) error {
	t.mu.Lock()
	dc := t.dc
	t.mu.Unlock()

	if dc == nil || dc.ReadyState() != webrtc.DataChannelStateOpen {
		return ErrChannelNotReady
	}
	return dc.SendText(string(data))
}

func (t *PeerTransport) sendJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return t.Send(data)
}

// WriteAudio sends one encoded Opus packet covering duration.
// Audio written before negotiation completes is dropped.
func (t *PeerTransport) WriteAudio(payload []byte, duration time.Duration) error {
	t.mu.Lock()
	track := t.track
	t.mu.Unlock()

	if track == nil {
		return nil
	}
	return track.WriteSample(media.Sample{Data: payload, Duration: duration})
}

func (t *PeerTransport) readRemoteAudio(remote *webrtc.TrackRemote) {
	for {
		pkt, _, err := remote.ReadRTP()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				t.logger.Debug("Remote audio track ended", Error(err))
			}
			return
		}

		t.mu.Lock()
		fn := t.onRemoteAudio
		t.mu.Unlock()
		if fn != nil {
			fn(pkt)
		}
	}
}

// Close tears down the event channel, then the peer connection. Safe from any state.
func (t *PeerTransport) Close() error {
	t.mu.Lock()
	if t.state == TransportClosed {
		t.mu.Unlock()
		return nil
	}
	prev := t.state
	t.state = TransportClosed
	dc, pc, cancel := t.dc, t.pc, t.cancel
	t.dc, t.pc, t.track, t.cancel = nil, nil, nil, nil
	t.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	var errs []error
	if dc != nil {
		if err := dc.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close event channel: %w", err))
		}
	}
	if pc != nil {
		if err := pc.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close peer connection: %w", err))
		}
	}

	t.logger.Debug("Peer transport closed", String("from_state", prev.String()))
	return errors.Join(errs...)
}

func drainRTCP(sender *webrtc.RTPSender) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := sender.Read(buf); err != nil {
			return
		}
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
