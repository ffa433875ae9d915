// Package notify issues the one-time audible warning that accompanies the
// first light sequence: a spoken phrase via a system command, or an mp3
// chime played through PortAudio.
package notify

import (
	"context"
	"log/slog"
	"os/exec"
	"sync"

	apperrors "github.com/calm-listener/platform/internal/errors"
)

const (
	DefaultCommand = "say"
	DefaultMessage = "Guys calm down, take three deep breaths"
)

// Command speaks Message by running Name with Message as its argument.
// Notify returns once the process has started; it is reaped in the
// background.
type Command struct {
	Name    string
	Message string

	wg sync.WaitGroup
}

// NewCommand returns a Command notifier with defaults for empty fields.
func NewCommand(name, message string) *Command {
	if name == "" {
		name = DefaultCommand
	}
	if message == "" {
		message = DefaultMessage
	}
	return &Command{Name: name, Message: message}
}

// Notify implements effect.Notifier.
func (c *Command) Notify(_ context.Context) error {
	cmd := exec.Command(c.Name, c.Message)
	if err := cmd.Start(); err != nil {
		return apperrors.Wrapf(err, apperrors.Unavailable, "start %s", c.Name)
	}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		if err := cmd.Wait(); err != nil {
			slog.Warn("alert command exited with error", "command", c.Name, "error", err)
		}
	}()
	return nil
}

// Wait blocks until every started process has exited.
func (c *Command) Wait() { c.wg.Wait() }
