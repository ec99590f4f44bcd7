package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/pion/rtp"
	"github.com/spf13/cobra"
	"github.com/yegors/co-coach/internal/ai/openai"
	"github.com/yegors/co-coach/internal/audio"
	"github.com/yegors/co-coach/internal/coach"
	"github.com/yegors/co-coach/internal/realtime"
	"github.com/yegors/co-coach/pkg/logger"
)

var (
	talkVoice     string
	talkSession   string
	talkBroker    string
	talkSummarize bool
	talkRecord    bool
)

func init() {
	talkCmd.Flags().StringVar(&talkVoice, "voice", "", "Assistant voice (defaults to realtime.voice)")
	talkCmd.Flags().StringVar(&talkSession, "session", "", "Resume an open session instead of starting a new one")
	talkCmd.Flags().StringVar(&talkBroker, "broker", "", "Token endpoint of a coach server (defaults to realtime.token_broker_url)")
	talkCmd.Flags().BoolVar(&talkSummarize, "summarize", false, "Summarize the session when it ends")
	talkCmd.Flags().BoolVar(&talkRecord, "record", false, "Record the coach's audio to audio.recordings_dir")
}

var talkCmd = &cobra.Command{
	Use:   "talk",
	Short: "Start a voice conversation. Type a line and press enter to send text; /quit ends the call",
	Args:  cobra.NoArgs,
	RunE:  runTalk,
}

func runTalk(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	log := a.log.Named("talk")
	out := cmd.OutOrStdout()

	broker, err := a.tokenBroker()
	if err != nil {
		return err
	}

	sessionID := talkSession
	if sessionID == "" {
		session, err := a.service.StartConversation(ctx, a.userID)
		if err != nil {
			return err
		}
		sessionID = session.ID
	} else if _, err := a.service.GetConversation(ctx, sessionID); err != nil {
		return fmt.Errorf("resume session %s: %w", sessionID, err)
	}

	encoder, err := audio.NewOpusEncoder(a.cfg.Audio.SampleRate, 1)
	if err != nil {
		return err
	}
	mic := audio.NewMicrophone(audio.CaptureConfig{
		SampleRate:      a.cfg.Audio.SampleRate,
		Channels:        a.cfg.Audio.Channels,
		FramesPerBuffer: a.cfg.Audio.FramesPerBuffer,
	}, a.log)

	var remote []func(*rtp.Packet)
	if a.cfg.Audio.Playback {
		spk, err := audio.NewSpeaker(audio.CaptureConfig{
			SampleRate:      a.cfg.Audio.SampleRate,
			FramesPerBuffer: a.cfg.Audio.FramesPerBuffer,
		}, a.log)
		if err != nil {
			return err
		}
		if err := spk.Start(); err != nil {
			return fmt.Errorf("start speaker: %w", err)
		}
		defer spk.Stop()
		remote = append(remote, spk.HandlePacket)
	}
	if talkRecord && a.cfg.Audio.RecordingsDir != "" {
		recorder, err := audio.NewRecorder(filepath.Join(a.cfg.Audio.RecordingsDir, sessionID+".ogg"), a.log)
		if err != nil {
			return err
		}
		defer recorder.Close()
		remote = append(remote, recorder.HandlePacket)
	}

	done := make(chan string, 1)
	finish := func(reason string) {
		select {
		case done <- reason:
		default:
		}
	}

	transportCfg := realtime.TransportConfig{
		BaseURL:    openai.ResolveBaseURL(a.cfg.OpenAI.BaseURL),
		Model:      a.cfg.Realtime.Model,
		ICEServers: a.cfg.Realtime.ICEServers,
	}

	voice, err := realtime.NewVoiceSession(realtime.SessionOptions{
		Voice:         firstNonEmpty(talkVoice, a.cfg.Realtime.Voice),
		SessionID:     sessionID,
		Session:       coach.VoiceSessionConfig(a.cfg),
		Tools:         coachTools(finish),
		FrameDuration: a.cfg.Audio.FrameDuration(),
	}, realtime.Dependencies{
		Broker:  broker,
		Capture: mic,
		Encoder: encoder,
		Sink:    a.service.Sink(a.userID),
		NewTransport: func(onMessage func([]byte)) realtime.Transport {
			t := realtime.NewPeerTransport(transportCfg, onMessage, a.log)
			t.OnRemoteAudio(audio.Tee(remote...))
			return t
		},
	}, a.log)
	if err != nil {
		return err
	}

	var printMu sync.Mutex
	voice.Interpreter().OnUtterance(func(role realtime.Role, text string) {
		printMu.Lock()
		defer printMu.Unlock()
		fmt.Fprintf(out, "%-6s %s\n", speaker(string(role))+":", text)
	})

	startCtx, cancel := context.WithTimeout(ctx, time.Duration(a.cfg.Realtime.NegotiateTimeout)*time.Second)
	err = voice.Start(startCtx)
	cancel()
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "Connected (session %s). Speak, or type and press enter. /quit to hang up.\n", sessionID)

	go readInput(voice, finish, out, &printMu)

	var reason string
	select {
	case <-ctx.Done():
		reason = "interrupted"
	case reason = <-done:
	}
	log.Info("Ending voice session", logger.String("reason", reason))

	if err := voice.End(); err != nil {
		log.Warn("Voice session teardown", logger.Error(err))
	}
	voice.Wait()

	// The root context may already be cancelled by the signal.
	closeCtx := context.WithoutCancel(ctx)
	if talkSession == "" || reason == "end_conversation" {
		if _, err := a.service.EndConversation(closeCtx, sessionID); err != nil {
			log.Warn("Failed to end session", logger.Error(err))
		}
	}
	if talkSummarize {
		session, err := a.service.Summarize(closeCtx, sessionID, "")
		if err != nil {
			fmt.Fprintf(out, "Summary unavailable: %v\n", err)
		} else {
			fmt.Fprintf(out, "\nSummary: %s\n", session.Summary)
		}
	}
	return nil
}

func readInput(voice *realtime.VoiceSession, finish func(string), out io.Writer, mu *sync.Mutex) {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		switch line {
		case "":
			continue
		case "/quit", "/exit":
			finish("quit")
			return
		}
		if err := voice.SendText(line); err != nil {
			mu.Lock()
			fmt.Fprintf(out, "(not sent: %v)\n", err)
			mu.Unlock()
		}
	}
	finish("stdin closed")
}

func (a *app) tokenBroker() (realtime.TokenBroker, error) {
	if url := firstNonEmpty(talkBroker, a.cfg.Realtime.TokenBrokerURL); url != "" {
		return &realtime.HTTPTokenBroker{URL: url}, nil
	}
	provider := a.providers.Realtime()
	if provider == nil {
		return nil, fmt.Errorf("no OpenAI API key and no token broker configured")
	}
	return &realtime.ProviderBroker{Provider: provider, Config: coach.RealtimeProviderConfig(a.cfg)}, nil
}

// coachTools are the functions the coach may call during a voice session.
func coachTools(finish func(string)) realtime.Tools {
	return realtime.NewTools(
		realtime.Tool{
			Name:        "end_conversation",
			Description: "End the voice session when the user says goodbye or asks to stop.",
			Handler: func(ctx context.Context, _ json.RawMessage) (any, error) {
				// Give the coach a moment to finish its goodbye.
				go func() {
					time.Sleep(2 * time.Second)
					finish("end_conversation")
				}()
				return map[string]bool{"ok": true}, nil
			},
		},
		realtime.Tool{
			Name:        "current_time",
			Description: "Get the user's current local date and time.",
			Handler: func(ctx context.Context, _ json.RawMessage) (any, error) {
				now := time.Now()
				return map[string]string{
					"time":     now.Format("15:04"),
					"date":     now.Format("Monday, January 2, 2006"),
					"timezone": now.Location().String(),
				}, nil
			},
		},
	)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
