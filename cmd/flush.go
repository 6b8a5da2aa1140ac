package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"

	"github.com/spf13/cobra"

	"beacon/internal/format"
)

func init() {
	flushCmd := &cobra.Command{
		Use:   "flush",
		Short: "Send all queued beacons now",
		Args:  cobra.NoArgs,
		Run:   runFlush,
	}
	flushCmd.Flags().Duration("timeout", defaultFlushTimeout, "How long to wait for the collector")
	rootCmd.AddCommand(flushCmd)
}

func runFlush(cmd *cobra.Command, args []string) {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	p, err := openPipeline(ctx, cmd, "")
	if err != nil {
		format.PrintError(err.Error())
		os.Exit(1)
	}

	timeout, _ := cmd.Flags().GetDuration("timeout")
	result, err := p.flush(ctx, timeout)
	if err != nil {
		p.Close()
		format.PrintError(fmt.Sprintf("Flush did not complete: %v", err))
		os.Exit(1)
	}

	format.PrintFlushResult(result, p.queue.Len())
	p.Close()
	if !result.Success() {
		os.Exit(1)
	}
}
