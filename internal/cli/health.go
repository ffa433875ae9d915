package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	apperrors "github.com/calm-listener/platform/internal/errors"
	"github.com/calm-listener/platform/internal/grpcclient"
	"github.com/calm-listener/platform/internal/grpcserver"
)

func init() {
	cmd := &cobra.Command{
		Use:   "health",
		Short: "Probe a running listener's gRPC health service",
		RunE:  runHealth,
	}
	cmd.Flags().String("addr", "", "Health endpoint (default: GRPC_ADDR)")
	cmd.Flags().Duration("wait", 0, "Keep polling up to this long for SERVING")
	RootCmd.AddCommand(cmd)
}

func runHealth(cmd *cobra.Command, _ []string) error {
	addr, _ := cmd.Flags().GetString("addr")
	wait, _ := cmd.Flags().GetDuration("wait")
	if addr == "" {
		addr = cfg.GRPCAddr
	}

	c, err := grpcclient.New(addr)
	if err != nil {
		return err
	}
	defer c.Close()

	ctx := cmd.Context()
	if wait > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, wait)
		defer cancel()
		if err := c.WaitServing(ctx, grpcserver.CaptureService, time.Second); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "SERVING")
		return nil
	}

	ok, err := c.Check(ctx, grpcserver.CaptureService)
	if err != nil {
		return err
	}
	if !ok {
		fmt.Fprintln(cmd.OutOrStdout(), "NOT_SERVING")
		return apperrors.New(apperrors.Unavailable, "capture not serving")
	}
	fmt.Fprintln(cmd.OutOrStdout(), "SERVING")
	return nil
}
