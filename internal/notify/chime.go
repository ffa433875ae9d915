package notify

import (
	"context"
	"encoding/binary"
	"io"
	"log/slog"
	"os"
	"sync"

	"github.com/gordonklaus/portaudio"
	"github.com/hajimehoshi/go-mp3"

	apperrors "github.com/calm-listener/platform/internal/errors"
)

const (
	chimeChannels        = 2 // go-mp3 always decodes to stereo
	chimeFramesPerBuffer = 1024
)

// Chime plays a decoded mp3 through the default output device.
type Chime struct {
	samples    []int16 // interleaved stereo
	sampleRate int

	wg sync.WaitGroup
}

// LoadChime decodes path up front so a bad file fails at startup.
func LoadChime(path string) (*Chime, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, apperrors.Wrapf(err, apperrors.ConfigInvalid, "open chime %s", path)
	}
	defer f.Close()
	return DecodeChime(f)
}

// DecodeChime decodes mp3 data from r.
func DecodeChime(r io.Reader) (*Chime, error) {
	dec, err := mp3.NewDecoder(r)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.EncodingFailed, "decode mp3")
	}
	pcm, err := io.ReadAll(dec)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.EncodingFailed, "read mp3 frames")
	}
	return &Chime{samples: int16LE(pcm), sampleRate: dec.SampleRate()}, nil
}

// SampleRate is the decoded sample rate.
func (c *Chime) SampleRate() int { return c.sampleRate }

// Frames returns the number of stereo frames.
func (c *Chime) Frames() int { return len(c.samples) / chimeChannels }

// Notify starts playback in the background and returns immediately.
// PortAudio must already be initialized by the caller.
func (c *Chime) Notify(ctx context.Context) error {
	buf := make([]int16, chimeFramesPerBuffer*chimeChannels)
	stream, err := portaudio.OpenDefaultStream(0, chimeChannels, float64(c.sampleRate), chimeFramesPerBuffer, buf)
	if err != nil {
		return apperrors.Wrap(err, apperrors.Unavailable, "open output stream")
	}
	if err := stream.Start(); err != nil {
		stream.Close()
		return apperrors.Wrap(err, apperrors.Unavailable, "start output stream")
	}

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer stream.Close()
		defer stream.Stop()
		for off := 0; off < len(c.samples); off += len(buf) {
			if ctx.Err() != nil {
				return
			}
			n := copy(buf, c.samples[off:])
			clear(buf[n:])
			if err := stream.Write(); err != nil {
				slog.Warn("chime playback failed", "error", err)
				return
			}
		}
	}()
	return nil
}

// Wait blocks until playback has finished.
func (c *Chime) Wait() { c.wg.Wait() }

func int16LE(b []byte) []int16 {
	out := make([]int16, len(b)/2)
	for i := range out {
		out[i] = int16(binary.LittleEndian.Uint16(b[i*2:]))
	}
	return out
}
