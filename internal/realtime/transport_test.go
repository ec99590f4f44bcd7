package realtime

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/yegors/co-coach/pkg/logger"
)

type fakeChannel struct {
	mu     sync.Mutex
	state  webrtc.DataChannelState
	sent   []string
	closed int
}

func (c *fakeChannel) ReadyState() webrtc.DataChannelState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *fakeChannel) SendText(s string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, s)
	return nil
}

func (c *fakeChannel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed++
	c.state = webrtc.DataChannelStateClosed
	return nil
}

func testSessionConfig() SessionConfig {
	return SessionConfig{
		Modalities:        []string{"audio", "text"},
		Voice:             "verse",
		InputAudioFormat:  "pcm16",
		OutputAudioFormat: "pcm16",
		TurnDetection: &TurnDetection{
			Type:              "server_vad",
			Threshold:         0.5,
			PrefixPaddingMs:   300,
			SilenceDurationMs: 500,
		},
	}
}

func TestCloseBeforeOpenAndTwice(t *testing.T) {
	tr := NewPeerTransport(TransportConfig{}, nil, logger.NewNop())
	assert.Equal(t, TransportIdle, tr.State())

	require.NoError(t, tr.Close())
	require.NoError(t, tr.Close())
	assert.Equal(t, TransportClosed, tr.State())

	err := tr.Open(context.Background(), "ek", testSessionConfig())
	assert.ErrorIs(t, err, ErrTransportUsed)
	assert.Equal(t, TransportClosed, tr.State())
}

func TestSendRequiresOpenChannel(t *testing.T) {
	tr := NewPeerTransport(TransportConfig{}, nil, logger.NewNop())
	assert.ErrorIs(t, tr.Send([]byte(`{}`)), ErrChannelNotReady)

	ch := &fakeChannel{state: webrtc.DataChannelStateConnecting}
	tr.dc = ch
	assert.ErrorIs(t, tr.Send([]byte(`{}`)), ErrChannelNotReady)
	assert.Empty(t, ch.sent)

	ch.state = webrtc.DataChannelStateOpen
	require.NoError(t, tr.Send([]byte(`{"type":"response.create"}`)))
	assert.Equal(t, []string{`{"type":"response.create"}`}, ch.sent)

	require.NoError(t, tr.Close())
	assert.Equal(t, 1, ch.closed)
	assert.ErrorIs(t, tr.Send([]byte(`{}`)), ErrChannelNotReady)
	require.NoError(t, tr.Close())
	assert.Equal(t, 1, ch.closed)
}

func TestChannelOpenSendsSessionUpdate(t *testing.T) {
	tr := NewPeerTransport(TransportConfig{}, nil, logger.NewNop())
	ch := &fakeChannel{state: webrtc.DataChannelStateOpen}
	tr.dc = ch

	tr.handleChannelOpen(testSessionConfig())

	require.Len(t, ch.sent, 1)
	var update struct {
		Type string `json:"type"`
		Session struct {
			Modalities        []string `json:"modalities"`
			Voice             string   `json:"voice"`
			InputAudioFormat  string   `json:"input_audio_format"`
			OutputAudioFormat string   `json:"output_audio_format"`
			TurnDetection     struct {
				Type              string  `json:"type"`
				Threshold         float64 `json:"threshold"`
				PrefixPaddingMs   int     `json:"prefix_padding_ms"`
				SilenceDurationMs int     `json:"silence_duration_ms"`
			} `json:"turn_detection"`
		} `json:"session"`
	}
	require.NoError(t, json.Unmarshal([]byte(ch.sent[0]), &update))
	assert.Equal(t, EventSessionUpdate, update.Type)
	assert.Equal(t, []string{"audio", "text"}, update.Session.Modalities)
	assert.Equal(t, "verse", update.Session.Voice)
	assert.Equal(t, "pcm16", update.Session.InputAudioFormat)
	assert.Equal(t, "server_vad", update.Session.TurnDetection.Type)
	assert.InDelta(t, 0.5, update.Session.TurnDetection.Threshold, 1e-9)
	assert.Equal(t, 300, update.Session.TurnDetection.PrefixPaddingMs)
	assert.Equal(t, 500, update.Session.TurnDetection.SilenceDurationMs)
}

func TestOpenFailsOnRejectedNegotiation(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "invalid credential", http.StatusUnauthorized)
	}))
	defer srv.Close()

	tr := NewPeerTransport(TransportConfig{BaseURL: srv.URL, Model: "m"}, nil, logger.NewNop())
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	err := tr.Open(ctx, "bad", testSessionConfig())
	require.Error(t, err)
	assert.Equal(t, TransportClosed, tr.State())
	assert.ErrorIs(t, tr.Send([]byte(`{}`)), ErrChannelNotReady)
	assert.NoError(t, tr.Close())
}

func TestOpenRejectsNonSDPAnswer(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"not":"sdp"}`))
	}))
	defer srv.Close()

	tr := NewPeerTransport(TransportConfig{BaseURL: srv.URL}, nil, logger.NewNop())
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	require.Error(t, tr.Open(ctx, "ek", testSessionConfig()))
	assert.Equal(t, TransportClosed, tr.State())
}

// answerer plays the realtime endpoint: it accepts the offer with a local pion peer.
func answerer(t *testing.T) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/v1/realtime", r.URL.Path)
		assert.Equal(t, "gpt-test", r.URL.Query().Get("model"))
		assert.Equal(t, "Bearer ek_live", r.Header.Get("Authorization"))
		assert.Equal(t, "application/sdp", r.Header.Get("Content-Type"))

		offer, err := io.ReadAll(r.Body)
		if !assert.NoError(t, err) {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		pc, err := webrtc.NewPeerConnection(webrtc.Configuration{})
		if !assert.NoError(t, err) {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		t.Cleanup(func() { pc.Close() })

		if err := pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: string(offer)}); !assert.NoError(t, err) {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		answer, err := pc.CreateAnswer(nil)
		if !assert.NoError(t, err) {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		gathered := webrtc.GatheringCompletePromise(pc)
		if err := pc.SetLocalDescription(answer); !assert.NoError(t, err) {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		<-gathered

		w.Header().Set("Content-Type", "application/sdp")
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(pc.LocalDescription().SDP))
	}))
}

func TestCloseAbortsStalledNegotiation(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		close(entered)
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	tr := NewPeerTransport(TransportConfig{BaseURL: srv.URL}, nil, logger.NewNop())
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	errc := make(chan error, 1)
	go func() { errc <- tr.Open(ctx, "ek", testSessionConfig()) }()

	select {
	case <-entered:
	case <-time.After(5 * time.Second):
		t.Fatal("offer never reached the endpoint")
	}
	assert.Equal(t, TransportNegotiating, tr.State())
	require.NoError(t, tr.Close())

	select {
	case err := <-errc:
		assert.ErrorIs(t, err, ErrTransportClosed)
	case <-time.After(5 * time.Second):
		t.Fatal("Open did not return after Close")
	}
	assert.Equal(t, TransportClosed, tr.State())
	assert.ErrorIs(t, tr.Send([]byte(`{}`)), ErrChannelNotReady)
}

func TestOpenNegotiatesWithAnswerer(t *testing.T) {
	srv := answerer(t)
	defer srv.Close()

	tr := NewPeerTransport(TransportConfig{BaseURL: srv.URL + "/", Model: "gpt-test"}, nil, logger.NewNop())
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	require.NoError(t, tr.Open(ctx, "ek_live", testSessionConfig()))
	assert.Equal(t, TransportOpen, tr.State())
	assert.NoError(t, tr.WriteAudio([]byte{0xf8, 0xff, 0xfe}, 20*time.Millisecond))

	err := tr.Open(ctx, "ek_live", testSessionConfig())
	assert.ErrorIs(t, err, ErrTransportUsed)

	require.NoError(t, tr.Close())
	assert.Equal(t, TransportClosed, tr.State())
	require.NoError(t, tr.Close())
}

func TestTransportStateString(t *testing.T) {
	assert.Equal(t, "idle", TransportIdle.String())
	assert.Equal(t, "negotiating", TransportNegotiating.String())
	assert.Equal(t, "open", TransportOpen.String())
	assert.Equal(t, "closed", TransportClosed.String())
}
