package cmd

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"beacon/internal/format"
	"beacon/internal/model"
	"beacon/internal/queue"
)

func init() {
	queueCmd := &cobra.Command{
		Use:   "queue",
		Short: "View beacons waiting to be sent",
		Run:   runQueueList,
	}

	queueCmd.Flags().IntP("limit", "n", 10, "Number of beacons to show")

	showCmd := &cobra.Command{
		Use:   "show <id or index>",
		Short: "Show every field of a queued beacon",
		Args:  cobra.ExactArgs(1),
		Run:   runQueueShow,
	}

	clearCmd := &cobra.Command{
		Use:   "clear",
		Short: "Drop all queued beacons without sending them",
		Run:   runQueueClear,
	}

	queueCmd.AddCommand(showCmd, clearCmd)
	rootCmd.AddCommand(queueCmd)
}

func runQueueList(cmd *cobra.Command, args []string) {
	q, backend, _, err := openQueue(cmd)
	if err != nil {
		format.PrintError(fmt.Sprintf("Failed to load queue: %v", err))
		os.Exit(1)
	}
	defer backend.Close()

	limit, _ := cmd.Flags().GetInt("limit")
	format.PrintBeaconList(q.Items(), limit)
}

func runQueueShow(cmd *cobra.Command, args []string) {
	q, backend, _, err := openQueue(cmd)
	if err != nil {
		format.PrintError(fmt.Sprintf("Failed to load queue: %v", err))
		os.Exit(1)
	}
	items := q.Items()
	backend.Close()

	b, ok := findBeacon(items, args[0])
	if !ok {
		format.PrintError(fmt.Sprintf("Beacon not found: %s", args[0]))
		os.Exit(1)
	}
	format.PrintBeaconDetail(b)
}

// findBeacon resolves a 1-based index, a full id or a unique id prefix.
func findBeacon(items []model.WireBeacon, identifier string) (model.WireBeacon, bool) {
	if index, err := strconv.Atoi(identifier); err == nil {
		if index > 0 && index <= len(items) {
			return items[index-1], true
		}
	}

	var match model.WireBeacon
	matches := 0
	for _, b := range items {
		if b.ID == identifier {
			return b, true
		}
		if strings.HasPrefix(b.ID, identifier) {
			match = b
			matches++
		}
	}
	return match, matches == 1
}

func runQueueClear(cmd *cobra.Command, args []string) {
	q, backend, _, err := openQueue(cmd)
	if err != nil {
		format.PrintError(fmt.Sprintf("Failed to clear queue: %v", err))
		os.Exit(1)
	}
	defer backend.Close()

	count, err := clearQueue(q)
	if err != nil {
		backend.Close()
		format.PrintError(fmt.Sprintf("Failed to clear queue: %v", err))
		os.Exit(1)
	}

	format.PrintSuccess(fmt.Sprintf("Dropped %d beacons", count))
}

// clearQueue drops every queued beacon and returns how many there were.
func clearQueue(q *queue.Queue) (int, error) {
	count := q.Len()
	if err := q.RemoveAll(); err != nil {
		return 0, err
	}
	return count, nil
}
