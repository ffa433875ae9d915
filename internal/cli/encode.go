package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	apperrors "github.com/calm-listener/platform/internal/errors"
	"github.com/calm-listener/platform/internal/wav"
)

func init() {
	cmd := &cobra.Command{
		Use:   "encode",
		Short: "Wrap raw PCM in a WAVE header",
		RunE:  runEncode,
	}
	cmd.Flags().String("in", "", "Raw PCM input file")
	cmd.Flags().String("out", "", "WAVE output file")
	cmd.Flags().Int("rate", 0, "Sample rate (default: SAMPLE_RATE)")
	cmd.Flags().Int("channels", 1, "Channel count")
	cmd.Flags().Int("bits", 16, "Bits per sample")
	_ = cmd.MarkFlagRequired("in")
	_ = cmd.MarkFlagRequired("out")

	RootCmd.AddCommand(cmd)
}

func runEncode(cmd *cobra.Command, _ []string) error {
	in, _ := cmd.Flags().GetString("in")
	out, _ := cmd.Flags().GetString("out")
	rate, _ := cmd.Flags().GetInt("rate")
	channels, _ := cmd.Flags().GetInt("channels")
	bits, _ := cmd.Flags().GetInt("bits")
	if rate == 0 {
		rate = cfg.SampleRate
	}

	pcm, err := os.ReadFile(in)
	if err != nil {
		return apperrors.Wrapf(err, apperrors.InvalidArgument, "read %s", in)
	}
	data, err := wav.Encode(pcm, rate, channels, bits)
	if err != nil {
		return err
	}
	if err := os.WriteFile(out, data, 0o644); err != nil {
		return apperrors.Wrapf(err, apperrors.Internal, "write %s", out)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s: %d bytes (%d payload)\n", out, len(data), len(pcm))
	return nil
}
