// Package wav wraps raw PCM in a canonical RIFF/WAVE container.
package wav

import (
	"bytes"
	"encoding/binary"
	"math"

	apperrors "github.com/calm-listener/platform/internal/errors"
)

// HeaderSize is the size of the canonical 44-byte PCM header.
const HeaderSize = 44

// formatPCM is the WAVE_FORMAT_PCM tag.
const formatPCM = 1

// maxPayload keeps the RIFF chunk size (36 + payload) inside a uint32.
const maxPayload = math.MaxUint32 - (HeaderSize - 8)

// Header describes the decoded fields of a PCM WAVE header.
type Header struct {
	RIFFSize      uint32
	Format        uint16
	Channels      uint16
	SampleRate    uint32
	ByteRate      uint32
	BlockAlign    uint16
	BitsPerSample uint16
	DataSize      uint32
}

// Encode returns header + payload for the given PCM format.
func Encode(payload []byte, sampleRate, channels, bitDepth int) ([]byte, error) {
	if sampleRate <= 0 || channels <= 0 || bitDepth <= 0 || bitDepth%8 != 0 {
		return nil, apperrors.Newf(apperrors.EncodingFailed,
			"invalid pcm format: rate=%d channels=%d bits=%d", sampleRate, channels, bitDepth)
	}
	if uint64(len(payload)) > maxPayload {
		return nil, apperrors.Newf(apperrors.EncodingFailed,
			"payload of %d bytes overflows the 32-bit length field", len(payload))
	}

	blockAlign := channels * bitDepth / 8
	byteRate := uint64(sampleRate) * uint64(blockAlign)
	if byteRate > math.MaxUint32 || blockAlign > math.MaxUint16 {
		return nil, apperrors.Newf(apperrors.EncodingFailed, "byte rate %d overflows header", byteRate)
	}

	out := make([]byte, HeaderSize, HeaderSize+len(payload))
	copy(out[0:4], "RIFF")
	binary.LittleEndian.PutUint32(out[4:8], uint32(HeaderSize-8+len(payload)))
	copy(out[8:12], "WAVE")
	copy(out[12:16], "fmt ")
	binary.LittleEndian.PutUint32(out[16:20], 16)
	binary.LittleEndian.PutUint16(out[20:22], formatPCM)
	binary.LittleEndian.PutUint16(out[22:24], uint16(channels))
	binary.LittleEndian.PutUint32(out[24:28], uint32(sampleRate))
	binary.LittleEndian.PutUint32(out[28:32], uint32(byteRate))
	binary.LittleEndian.PutUint16(out[32:34], uint16(blockAlign))
	binary.LittleEndian.PutUint16(out[34:36], uint16(bitDepth))
	copy(out[36:40], "data")
	binary.LittleEndian.PutUint32(out[40:44], uint32(len(payload)))
	return append(out, payload...), nil
}

// Decode parses a canonical PCM WAVE buffer and returns its header and a
// view of the payload.
func Decode(data []byte) (Header, []byte, error) {
	var h Header
	if len(data) < HeaderSize {
		return h, nil, apperrors.Newf(apperrors.EncodingFailed, "buffer too short: %d bytes", len(data))
	}
	if !bytes.Equal(data[0:4], []byte("RIFF")) || !bytes.Equal(data[8:12], []byte("WAVE")) {
		return h, nil, apperrors.New(apperrors.EncodingFailed, "missing RIFF/WAVE tags")
	}
	if !bytes.Equal(data[12:16], []byte("fmt ")) || !bytes.Equal(data[36:40], []byte("data")) {
		return h, nil, apperrors.New(apperrors.EncodingFailed, "unsupported chunk layout")
	}

	h = Header{
		RIFFSize:      binary.LittleEndian.Uint32(data[4:8]),
		Format:        binary.LittleEndian.Uint16(data[20:22]),
		Channels:      binary.LittleEndian.Uint16(data[22:24]),
		SampleRate:    binary.LittleEndian.Uint32(data[24:28]),
		ByteRate:      binary.LittleEndian.Uint32(data[28:32]),
		BlockAlign:    binary.LittleEndian.Uint16(data[32:34]),
		BitsPerSample: binary.LittleEndian.Uint16(data[34:36]),
		DataSize:      binary.LittleEndian.Uint32(data[40:44]),
	}
	if h.Format != formatPCM {
		return h, nil, apperrors.Newf(apperrors.EncodingFailed, "unsupported format tag %d", h.Format)
	}
	if uint64(len(data)-HeaderSize) < uint64(h.DataSize) {
		return h, nil, apperrors.Newf(apperrors.EncodingFailed,
			"truncated payload: header says %d, have %d", h.DataSize, len(data)-HeaderSize)
	}
	return h, data[HeaderSize : HeaderSize+int(h.DataSize)], nil
}
