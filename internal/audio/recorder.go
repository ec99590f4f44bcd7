package audio

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4/pkg/media/oggwriter"
	"github.com/yegors/co-coach/pkg/logger"
)

// Recorder writes the remote Opus track to an Ogg file as it arrives.
type Recorder struct {
	path   string
	logger *logger.Logger

	mu      sync.Mutex
	writer  *oggwriter.OggWriter
	packets int
	closed  bool
}

// NewRecorder creates dir if needed and opens path for writing.
func NewRecorder(path string, log *logger.Logger) (*Recorder, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create recordings directory: %w", err)
	}
	w, err := oggwriter.New(path, 48000, 2)
	if err != nil {
		return nil, fmt.Errorf("create OGG writer: %w", err)
	}
	return &Recorder{path: path, logger: log.Named("recorder"), writer: w}, nil
}

func (r *Recorder) Path() string {
	return r.path
}

// HandlePacket appends one RTP packet. Packets after Close are ignored.
func (r *Recorder) HandlePacket(pkt *rtp.Packet) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed || len(pkt.Payload) == 0 {
		return
	}
	if err := r.writer.WriteRTP(pkt); err != nil {
		r.logger.Warn("Failed to write Opus packet", Error(err))
		return
	}
	r.packets++
}

func (r *Recorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil
	}
	r.closed = true
	r.logger.Info("Recording closed", String("path", r.path), Int("packets", r.packets))
	return r.writer.Close()
}

// Tee fans one packet out to several handlers in order.
func Tee(handlers ...func(*rtp.Packet)) func(*rtp.Packet) {
	return func(pkt *rtp.Packet) {
		for _, h := range handlers {
			if h != nil {
				h(pkt)
			}
		}
	}
}
