// Package cli implements the calm-listener commands.
package cli

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/calm-listener/platform/internal/actuator"
	"github.com/calm-listener/platform/internal/config"
	"github.com/calm-listener/platform/internal/effect"
	"github.com/calm-listener/platform/internal/notify"
)

// Version is stamped at build time.
var Version = "dev"

var (
	envFile string
	cfg     *config.Config
)

// RootCmd is the top-level command.
var RootCmd = &cobra.Command{
	Use:           "calm-listener",
	Short:         "Listens to a room and calms it down with light",
	Long:          "Captures microphone audio, sends overlapping segments for remote sentiment analysis and flashes a smart light when the conversation turns negative.",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := config.LoadEnvFile(envFile); err != nil {
			return err
		}
		cfg = config.Load()
		setupLogging(cfg.LogLevel)
		return cfg.Validate()
	},
}

func init() {
	RootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "Environment file loaded before reading configuration")
	RootCmd.Version = Version
}

// Execute runs the root command and logs a failure.
func Execute() error {
	if err := RootCmd.Execute(); err != nil {
		slog.Error("command failed", "error", err)
		return err
	}
	return nil
}

func setupLogging(level slog.Level) {
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)
}

// newSequencer builds the actuator, notifier and step table from cfg.
// obs may be nil.
func newSequencer(cfg *config.Config, obs effect.Observer) (*effect.Sequencer, error) {
	act, err := actuator.New(actuator.Config{
		BaseURL: cfg.ActuatorURL,
		Token:   cfg.ActuatorToken,
		Entity:  cfg.ActuatorEntity,
	})
	if err != nil {
		return nil, err
	}

	steps := effect.DefaultSequence
	if cfg.EffectSequenceFile != "" {
		if steps, err = effect.LoadSequence(cfg.EffectSequenceFile); err != nil {
			return nil, err
		}
	}

	var notifier effect.Notifier
	if cfg.AlertSound != "" {
		chime, err := notify.LoadChime(cfg.AlertSound)
		if err != nil {
			return nil, err
		}
		notifier = chime
	} else {
		notifier = notify.NewCommand(cfg.AlertCommand, cfg.AlertMessage)
	}

	ecfg := effect.Config{Steps: steps, Cooldown: cfg.SequenceCooldown}
	if obs != nil {
		ecfg.Observer = obs
	}
	return effect.New(act, notifier, ecfg), nil
}
