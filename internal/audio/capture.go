package audio

import (
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"

	"github.com/gordonklaus/portaudio"
	"github.com/yegors/co-coach/pkg/logger"
)

// Import logger functions
var (
	String  = logger.String
	Int     = logger.Int
	Float64 = logger.Float64
	Error   = logger.Error
)

// ErrDeviceBusy is returned when another capture already holds the input device.
var ErrDeviceBusy = errors.New("audio input device busy")

// inputHeld guards the default input device across Microphone instances.
var inputHeld atomic.Bool

// CaptureConfig describes the PCM frames delivered to the sink.
type CaptureConfig struct {
	SampleRate      int // 24000 for realtime voice
	Channels        int // device channels; frames are always mono
	FramesPerBuffer int // samples per frame, 480 is 20ms at 24kHz
}

// Microphone captures mono float32 frames from the default input device.
type Microphone struct {
	config CaptureConfig
	logger *logger.Logger

	mu        sync.Mutex
	stream    *portaudio.Stream
	isRunning bool
	stopping  atomic.Bool
	done      chan struct{}
	frames    int64
}

// NewMicrophone creates a capture with defaults filled in. The device is opened by Start.
func NewMicrophone(config CaptureConfig, log *logger.Logger) *Microphone {
	if config.SampleRate <= 0 {
		config.SampleRate = 24000
	}
	if config.Channels <= 0 {
		config.Channels = 1
	}
	if config.FramesPerBuffer <= 0 {
		config.FramesPerBuffer = config.SampleRate / 50
	}
	return &Microphone{
		config: config,
		logger: log.Named("microphone"),
	}
}

// Start opens the input device and delivers each frame to sink on a
// dedicated goroutine. The frame slice is owned by the sink.
func (m *Microphone) Start(sink func(frame []float32)) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.isRunning {
		return nil
	}
	if !inputHeld.CompareAndSwap(false, true) {
		return ErrDeviceBusy
	}

	if err := portaudio.Initialize(); err != nil {
		inputHeld.Store(false)
		return fmt.Errorf("initialize portaudio: %w", err)
	}

	buffer := make([]float32, m.config.FramesPerBuffer*m.config.Channels)
	stream, err := portaudio.OpenDefaultStream(m.config.Channels, 0, float64(m.config.SampleRate), m.config.FramesPerBuffer, buffer)
	if err != nil {
		portaudio.Terminate()
		inputHeld.Store(false)
		return fmt.Errorf("open input stream: %w", err)
	}

	if err := stream.Start(); err != nil {
		stream.Close()
		portaudio.Terminate()
		inputHeld.Store(false)
		return fmt.Errorf("start input stream: %w", err)
	}

	m.logger.Info("Starting microphone capture",
		Int("sample_rate", m.config.SampleRate),
		Int("channels", m.config.Channels),
		Int("frames_per_buffer", m.config.FramesPerBuffer))

	m.stream = stream
	m.done = make(chan struct{})
	m.stopping.Store(false)
	m.isRunning = true

	go m.readLoop(stream, buffer, sink, m.done)
	return nil
}

func (m *Microphone) readLoop(stream *portaudio.Stream, buffer []float32, sink func([]float32), done chan struct{}) {
	defer close(done)

	for !m.stopping.Load() {
		if err := stream.Read(); err != nil {
			if m.stopping.Load() {
				return
			}
			if errors.Is(err, portaudio.InputOverflowed) {
				m.logger.Debug("Input overflowed")
				continue
			}
			m.logger.Error("Error reading from microphone", Error(err))
			return
		}

		frame := Mixdown(buffer, m.config.Channels)
		m.frames++
		if m.frames%500 == 0 {
			m.logger.Debug("Capture progress",
				logger.Int64("frames", m.frames),
				Float64("level", Level(frame)))
		}
		sink(frame)
	}
}

// Stop halts capture and releases the device. Safe to call repeatedly.
func (m *Microphone) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.isRunning {
		return nil
	}

	m.logger.Info("Stopping microphone capture")
	m.stopping.Store(true)

	var errs []error
	if err := m.stream.Stop(); err != nil {
		errs = append(errs, err)
	}
	<-m.done
	if err := m.stream.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := portaudio.Terminate(); err != nil {
		errs = append(errs, err)
	}

	m.stream = nil
	m.isRunning = false
	inputHeld.Store(false)
	return errors.Join(errs...)
}

// Mixdown averages interleaved samples into a new mono frame.
func Mixdown(interleaved []float32, channels int) []float32 {
	if channels <= 1 {
		out := make([]float32, len(interleaved))
		copy(out, interleaved)
		return out
	}
	out := make([]float32, len(interleaved)/channels)
	for i := range out {
		var sum float32
		for c := 0; c < channels; c++ {
			sum += interleaved[i*channels+c]
		}
		out[i] = sum / float32(channels)
	}
	return out
}

// Level is the RMS of frame, in [0, 1] for well-formed input.
func Level(frame []float32) float64 {
	if len(frame) == 0 {
		return 0
	}
	var sum float64
	for _, s := range frame {
		sum += float64(s) * float64(s)
	}
	return math.Sqrt(sum / float64(len(frame)))
}
