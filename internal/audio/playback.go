package audio

import (
	"errors"
	"fmt"
	"sync"

	"github.com/gordonklaus/portaudio"
	"github.com/pion/rtp"
	"github.com/yegors/co-coach/pkg/logger"
)

// PCMQueue buffers decoded samples between the network and the output device.
// When full, the oldest samples are dropped.
type PCMQueue struct {
	mu      sync.Mutex
	samples []float32
	limit   int
	dropped int
}

func NewPCMQueue(limit int) *PCMQueue {
	return &PCMQueue{limit: limit}
}

func (q *PCMQueue) Push(samples []float32) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.samples = append(q.samples, samples...)
	if over := len(q.samples) - q.limit; q.limit > 0 && over > 0 {
		q.samples = q.samples[over:]
		q.dropped += over
	}
}

// Fill copies queued samples into out and pads the rest with silence.
// It returns the number of real samples copied.
func (q *PCMQueue) Fill(out []float32) int {
	q.mu.Lock()
	defer q.mu.Unlock()

	n := copy(out, q.samples)
	q.samples = q.samples[n:]
	for i := n; i < len(out); i++ {
		out[i] = 0
	}
	return n
}

func (q *PCMQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.samples)
}

// Dropped reports how many samples were discarded on overflow.
func (q *PCMQueue) Dropped() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropped
}

// Speaker plays the remote Opus track on the default output device.
type Speaker struct {
	config  CaptureConfig
	logger  *logger.Logger
	decoder *OpusDecoder
	queue   *PCMQueue

	mu        sync.Mutex
	stream    *portaudio.Stream
	isRunning bool
	quit      chan struct{}
	done      chan struct{}
}

func NewSpeaker(config CaptureConfig, log *logger.Logger) (*Speaker, error) {
	if config.SampleRate <= 0 {
		config.SampleRate = 24000
	}
	if config.FramesPerBuffer <= 0 {
		config.FramesPerBuffer = config.SampleRate / 50
	}
	config.Channels = 1

	decoder, err := NewOpusDecoder(config.SampleRate, 1)
	if err != nil {
		return nil, err
	}

	return &Speaker{
		config:  config,
		logger:  log.Named("speaker"),
		decoder: decoder,
		// two seconds of backlog
		queue: NewPCMQueue(config.SampleRate * 2),
	}, nil
}

func (s *Speaker) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.isRunning {
		return nil
	}

	if err := portaudio.Initialize(); err != nil {
		return fmt.Errorf("initialize portaudio: %w", err)
	}

	out := make([]float32, s.config.FramesPerBuffer)
	stream, err := portaudio.OpenDefaultStream(0, 1, float64(s.config.SampleRate), len(out), out)
	if err != nil {
		portaudio.Terminate()
		return fmt.Errorf("open output stream: %w", err)
	}
	if err := stream.Start(); err != nil {
		stream.Close()
		portaudio.Terminate()
		return fmt.Errorf("start output stream: %w", err)
	}

	s.stream = stream
	s.quit = make(chan struct{})
	s.done = make(chan struct{})
	s.isRunning = true

	go s.writeLoop(stream, out, s.quit, s.done)
	return nil
}

func (s *Speaker) writeLoop(stream *portaudio.Stream, out []float32, quit, done chan struct{}) {
	defer close(done)
	for {
		select {
		case <-quit:
			return
		default:
		}
		s.queue.Fill(out)
		if err := stream.Write(); err != nil && !errors.Is(err, portaudio.OutputUnderflowed) {
			s.logger.Error("Error writing to speaker", Error(err))
			return
		}
	}
}

// HandlePacket decodes one inbound RTP packet into the playback queue.
func (s *Speaker) HandlePacket(pkt *rtp.Packet) {
	if len(pkt.Payload) == 0 {
		return
	}
	pcm, err := s.decoder.Decode(pkt.Payload)
	if err != nil {
		s.logger.Debug("Dropping undecodable packet", Error(err))
		return
	}
	s.queue.Push(pcm)
}

func (s *Speaker) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.isRunning {
		return nil
	}
	close(s.quit)
	<-s.done

	var errs []error
	if err := s.stream.Stop(); err != nil {
		errs = append(errs, err)
	}
	if err := s.stream.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := portaudio.Terminate(); err != nil {
		errs = append(errs, err)
	}
	if dropped := s.queue.Dropped(); dropped > 0 {
		s.logger.Debug("Playback overflow", Int("dropped_samples", dropped))
	}
	s.stream = nil
	s.isRunning = false
	return errors.Join(errs...)
}
