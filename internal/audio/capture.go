// Package audio captures microphone audio as little-endian int16 PCM with
// backpressure.
package audio

import (
	"context"
	"encoding/binary"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/gordonklaus/portaudio"

	apperrors "github.com/calm-listener/platform/internal/errors"
)

const (
	DefaultBufferSize      = 100
	DefaultFramesPerBuffer = 1024
)

// Chunk is one captured buffer of mono int16 little-endian PCM.
type Chunk struct {
	Data      []byte
	Device    string
	Timestamp time.Time
}

type Config struct {
	SampleRate      int
	BufferSize      int
	FramesPerBuffer int
	Excluded        []string

	// OnDrop is called for each chunk dropped because Output is full.
	OnDrop func()
}

// reader is the part of a portaudio stream the pump needs.
type reader interface {
	Read() error
}

// Capturer reads the selected input device into Output. Chunks are emitted
// in capture order; when the consumer falls behind they are dropped rather
// than blocking the device.
type Capturer struct {
	cfg   Config
	outCh chan Chunk
	errCh chan error

	mu       sync.Mutex
	running  bool
	stream   *portaudio.Stream
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	stopOnce sync.Once
	device   string
}

// NewCapturer initializes portaudio. Call Stop to release it.
func NewCapturer(cfg Config) (*Capturer, error) {
	if cfg.SampleRate <= 0 {
		return nil, apperrors.Newf(apperrors.ConfigInvalid, "sample rate must be positive, got %d", cfg.SampleRate)
	}
	if err := portaudio.Initialize(); err != nil {
		return nil, apperrors.Wrap(err, apperrors.CaptureFailed, "initialize portaudio")
	}
	return newCapturer(cfg), nil
}

func newCapturer(cfg Config) *Capturer {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = DefaultBufferSize
	}
	if cfg.FramesPerBuffer <= 0 {
		cfg.FramesPerBuffer = DefaultFramesPerBuffer
	}
	return &Capturer{
		cfg:   cfg,
		outCh: make(chan Chunk, cfg.BufferSize),
		errCh: make(chan error, 1),
	}
}

// Output delivers captured chunks. Closed after Stop.
func (c *Capturer) Output() <-chan Chunk { return c.outCh }

// Errors delivers CAPTURE_FAILED errors from the device reader.
func (c *Capturer) Errors() <-chan error { return c.errCh }

// Device is the name of the device being captured, once started.
func (c *Capturer) Device() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.device
}

// Start opens the best microphone and begins capturing.
func (c *Capturer) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return nil
	}

	devices, err := portaudio.Devices()
	if err != nil {
		return apperrors.Wrap(err, apperrors.CaptureFailed, "list devices")
	}
	dev := c.selectDevice(devices)
	if dev == nil {
		if dev, err = portaudio.DefaultInputDevice(); err != nil {
			return apperrors.Wrap(err, apperrors.CaptureFailed, "no usable input device")
		}
	}

	buf := make([]int16, c.cfg.FramesPerBuffer)
	stream, err := portaudio.OpenStream(portaudio.StreamParameters{
		Input: portaudio.StreamDeviceParameters{
			Device:   dev,
			Channels: 1,
			Latency:  dev.DefaultLowInputLatency,
		},
		SampleRate:      float64(c.cfg.SampleRate),
		FramesPerBuffer: c.cfg.FramesPerBuffer,
	}, buf)
	if err != nil {
		return apperrors.Wrap(err, apperrors.CaptureFailed, "open stream").WithMetadata("device", dev.Name)
	}
	if err := stream.Start(); err != nil {
		stream.Close()
		return apperrors.Wrap(err, apperrors.CaptureFailed, "start stream").WithMetadata("device", dev.Name)
	}

	pumpCtx, cancel := context.WithCancel(ctx)
	c.stream, c.cancel, c.device, c.running = stream, cancel, dev.Name, true

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.pump(pumpCtx, dev.Name, stream, buf)
	}()

	slog.Info("started audio capture", "device", dev.Name, "sample_rate", c.cfg.SampleRate)
	return nil
}

// pump reads until ctx is done or the device fails. buf is refilled by each
// Read and copied out before the next one.
func (c *Capturer) pump(ctx context.Context, device string, r reader, buf []int16) {
	for {
		if ctx.Err() != nil {
			return
		}
		if err := r.Read(); err != nil {
			if ctx.Err() != nil {
				return
			}
			c.fail(apperrors.Wrap(err, apperrors.CaptureFailed, "read").WithMetadata("device", device))
			return
		}

		chunk := Chunk{Data: pcmBytes(buf), Device: device, Timestamp: time.Now()}
		select {
		case c.outCh <- chunk:
		default:
			slog.Debug("audio buffer full, dropping chunk", "device", device)
			if c.cfg.OnDrop != nil {
				c.cfg.OnDrop()
			}
		}
	}
}

func (c *Capturer) fail(err error) {
	slog.Error("audio capture failed", "error", err)
	select {
	case c.errCh <- err:
	default:
	}
}

// Stop halts capture, closes Output and releases portaudio. Safe to call
// more than once.
func (c *Capturer) Stop() {
	c.stopOnce.Do(func() {
		c.mu.Lock()
		cancel, stream := c.cancel, c.stream
		c.running = false
		c.mu.Unlock()

		if cancel != nil {
			cancel()
		}
		// Read returns within one buffer once cancelled.
		c.wg.Wait()
		if stream != nil {
			_ = stream.Stop()
			_ = stream.Close()
		}
		close(c.outCh)
		_ = portaudio.Terminate()
	})
}

// selectDevice returns the preferred microphone, or nil if none qualifies.
func (c *Capturer) selectDevice(devices []*portaudio.DeviceInfo) *portaudio.DeviceInfo {
	var best *portaudio.DeviceInfo
	for _, dev := range devices {
		if dev.MaxInputChannels < 1 || c.isExcluded(dev.Name) {
			continue
		}
		if classifyDevice(dev.Name) != sourceMic {
			continue
		}
		if best == nil || preferDevice(dev.Name, best.Name) {
			best = dev
		}
	}
	return best
}

const (
	sourceMic      = "mic"
	sourceLoopback = "loopback"
)

func classifyDevice(name string) string {
	for _, kw := range []string{"blackhole", "vb-cable", "loopback", "monitor", "soundflower"} {
		if containsFold(name, kw) {
			return sourceLoopback
		}
	}
	for _, kw := range []string{"microphone", "input", "mic", "built-in"} {
		if containsFold(name, kw) {
			return sourceMic
		}
	}
	return ""
}

func (c *Capturer) isExcluded(name string) bool {
	for _, ex := range c.cfg.Excluded {
		if ex != "" && containsFold(name, ex) {
			return true
		}
	}
	return false
}

// preferDevice favours built-in/MacBook mics over external ones.
func preferDevice(name, current string) bool {
	for _, p := range []string{"macbook", "built-in"} {
		if containsFold(name, p) && !containsFold(current, p) {
			return true
		}
	}
	return false
}

func containsFold(s, substr string) bool {
	return strings.Contains(strings.ToLower(s), strings.ToLower(substr))
}

func pcmBytes(samples []int16) []byte {
	out := make([]byte, 2*len(samples))
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[2*i:], uint16(s))
	}
	return out
}
