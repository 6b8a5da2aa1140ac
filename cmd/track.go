package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"beacon/internal/clock"
	"beacon/internal/format"
	"beacon/internal/model"
	"beacon/internal/monitor"
)

func init() {
	trackCmd := &cobra.Command{
		Use:   "track <method> <url>",
		Short: "Record a call made outside beacon",
		Long: `Record a call made by another tool as a manual beacon.

Exactly one outcome is required: --status, --error or --canceled.

Examples:
  beacon track GET https://api.example.com/users --status 200 --duration 120ms
  beacon track POST https://api.example.com/orders --error "connection reset"
  beacon track GET https://api.example.com/feed --canceled --view Feed`,
		Args: cobra.ExactArgs(2),
		Run:  runTrack,
	}

	flags := trackCmd.Flags()
	flags.Int("status", 0, "Response status code")
	flags.String("error", "", "Failure description")
	flags.Bool("canceled", false, "The call was canceled")
	flags.Duration("duration", 0, "Call duration")
	flags.String("view", "", "View name attached to the beacon")
	flags.Int64("header-bytes", -1, "Response header size")
	flags.Int64("body-bytes", -1, "Encoded response body size")
	flags.Int64("decoded-bytes", -1, "Decoded response body size")
	flags.String("backend-trace", "", "Backend trace id")
	flags.Bool("no-flush", false, "Queue the beacon without flushing")
	rootCmd.AddCommand(trackCmd)
}

// outcome applies the terminal transition selected by the flags.
type outcome func(*monitor.Marker)

func parseOutcome(cmd *cobra.Command) (outcome, error) {
	status, _ := cmd.Flags().GetInt("status")
	failure, _ := cmd.Flags().GetString("error")
	canceled, _ := cmd.Flags().GetBool("canceled")

	set := 0
	for _, given := range []bool{status != 0, failure != "", canceled} {
		if given {
			set++
		}
	}
	if set != 1 {
		return nil, errors.New("exactly one of --status, --error or --canceled is required")
	}

	switch {
	case status != 0:
		if status < 100 || status > 999 {
			return nil, fmt.Errorf("invalid --status %d", status)
		}
		return func(m *monitor.Marker) { m.Finish(status) }, nil
	case failure != "":
		return func(m *monitor.Marker) { m.Fail(errors.New(failure)) }, nil
	default:
		return func(m *monitor.Marker) { m.Cancel() }, nil
	}
}

func runTrack(cmd *cobra.Command, args []string) {
	method := strings.ToUpper(args[0])
	target, err := url.Parse(args[1])
	if err != nil || target.Scheme == "" || target.Host == "" {
		format.PrintError(fmt.Sprintf("Invalid URL: %s", args[1]))
		os.Exit(1)
	}

	finish, err := parseOutcome(cmd)
	if err != nil {
		format.PrintError(err.Error())
		os.Exit(1)
	}
	duration, _ := cmd.Flags().GetDuration("duration")
	if duration < 0 {
		format.PrintError("--duration must not be negative")
		os.Exit(1)
	}
	view, _ := cmd.Flags().GetString("view")

	ctx := context.Background()
	p, err := openPipeline(ctx, cmd, view)
	if err != nil {
		format.PrintError(err.Error())
		os.Exit(1)
	}
	defer p.Close()

	// Replay the call on a clock that ends now.
	replay := clock.NewFake(time.Now().Add(-duration))
	mon := monitor.NewHTTPMonitor(p.monitor.SessionID(), replay, p.submit)
	marker := mon.Mark(target, method, monitor.TriggerManual, view)

	headerBytes, _ := cmd.Flags().GetInt64("header-bytes")
	bodyBytes, _ := cmd.Flags().GetInt64("body-bytes")
	decodedBytes, _ := cmd.Flags().GetInt64("decoded-bytes")
	if headerBytes >= 0 || bodyBytes >= 0 || decodedBytes >= 0 {
		marker.SetResponseSize(model.NewHTTPSize(headerBytes, bodyBytes, decodedBytes))
	}
	if trace, _ := cmd.Flags().GetString("backend-trace"); trace != "" {
		marker.SetBackendTraceID(trace)
	}

	replay.Advance(duration)
	finish(marker)

	b := marker.Beacon()
	format.PrintSuccess(fmt.Sprintf("Tracked %s %s (%s, %dms)", b.Method, b.URL.Redacted(), b.Result, b.Duration))

	if skip, _ := cmd.Flags().GetBool("no-flush"); skip {
		return
	}
	result, err := p.flush(ctx, defaultFlushTimeout)
	if err != nil {
		format.PrintError(fmt.Sprintf("Flush did not complete: %v", err))
		return
	}
	format.PrintFlushResult(result, p.queue.Len())
}
