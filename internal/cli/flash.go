package cli

import (
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/gordonklaus/portaudio"
	"github.com/spf13/cobra"

	"github.com/calm-listener/platform/internal/effect"
)

func init() {
	RootCmd.AddCommand(&cobra.Command{
		Use:   "flash",
		Short: "Run the effect sequence once against the light",
		RunE:  runFlash,
	})
}

func runFlash(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	seq, err := newSequencer(cfg, nil)
	if err != nil {
		return err
	}
	if cfg.AlertSound != "" {
		if err := portaudio.Initialize(); err != nil {
			return err
		}
		defer portaudio.Terminate()
	}

	slog.Info("flashing", "entity", cfg.ActuatorEntity, "steps", len(seq.Steps()), "duration", effect.TotalDuration(seq.Steps()))
	return seq.Run(ctx)
}
