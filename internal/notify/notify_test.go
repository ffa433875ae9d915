package notify

import (
	"bytes"
	"context"
	"testing"

	apperrors "github.com/calm-listener/platform/internal/errors"
)

func TestCommandDefaults(t *testing.T) {
	c := NewCommand("", "")
	if c.Name != DefaultCommand || c.Message != DefaultMessage {
		t.Errorf("NewCommand = %+v", c)
	}
}

func TestCommandStartsAndReaps(t *testing.T) {
	c := NewCommand("true", "hello")
	if err := c.Notify(context.Background()); err != nil {
		t.Fatalf("Notify: %v", err)
	}
	c.Wait()
}

func TestCommandMissingBinary(t *testing.T) {
	c := NewCommand("calm-listener-no-such-binary", "hello")
	if err := c.Notify(context.Background()); !apperrors.IsCode(err, apperrors.Unavailable) {
		t.Errorf("err = %v, want UNAVAILABLE", err)
	}
}

func TestDecodeChimeRejectsGarbage(t *testing.T) {
	_, err := DecodeChime(bytes.NewReader([]byte("definitely not an mp3")))
	if !apperrors.IsCode(err, apperrors.EncodingFailed) {
		t.Errorf("err = %v, want ENCODING_FAILED", err)
	}
}

func TestInt16LE(t *testing.T) {
	got := int16LE([]byte{0x01, 0x00, 0xff, 0xff, 0x00, 0x80, 0x7f})
	want := []int16{1, -1, -32768}
	if len(got) != len(want) {
		t.Fatalf("len = %d", len(got))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("sample %d = %d, want %d", i, got[i], want[i])
		}
	}
}
