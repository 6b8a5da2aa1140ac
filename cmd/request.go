package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"beacon/internal/format"
)

// defaultFlushTimeout bounds the flush that follows a request.
const defaultFlushTimeout = 10 * time.Second

var (
	headers      []string
	data         string
	viewName     string
	noFlush      bool
	flushTimeout time.Duration
)

func init() {
	// GET command
	getCmd := &cobra.Command{
		Use:   "get <url>",
		Short: "Send a GET request",
		Args:  cobra.ExactArgs(1),
		Run:   runRequest("GET"),
	}
	addRequestFlags(getCmd)
	rootCmd.AddCommand(getCmd)

	// POST command
	postCmd := &cobra.Command{
		Use:   "post <url>",
		Short: "Send a POST request",
		Args:  cobra.ExactArgs(1),
		Run:   runRequest("POST"),
	}
	addRequestFlags(postCmd)
	rootCmd.AddCommand(postCmd)

	// PUT command
	putCmd := &cobra.Command{
		Use:   "put <url>",
		Short: "Send a PUT request",
		Args:  cobra.ExactArgs(1),
		Run:   runRequest("PUT"),
	}
	addRequestFlags(putCmd)
	rootCmd.AddCommand(putCmd)

	// PATCH command
	patchCmd := &cobra.Command{
		Use:   "patch <url>",
		Short: "Send a PATCH request",
		Args:  cobra.ExactArgs(1),
		Run:   runRequest("PATCH"),
	}
	addRequestFlags(patchCmd)
	rootCmd.AddCommand(patchCmd)

	// DELETE command
	deleteCmd := &cobra.Command{
		Use:   "delete <url>",
		Short: "Send a DELETE request",
		Args:  cobra.ExactArgs(1),
		Run:   runRequest("DELETE"),
	}
	addRequestFlags(deleteCmd)
	rootCmd.AddCommand(deleteCmd)
}

func addRequestFlags(cmd *cobra.Command) {
	cmd.Flags().StringArrayVarP(&headers, "header", "H", []string{}, "Add header (can be used multiple times)")
	cmd.Flags().StringVarP(&data, "data", "d", "", "Request body (JSON string or @filename)")
	cmd.Flags().StringVar(&viewName, "view", "", "View name attached to the beacon")
	cmd.Flags().BoolVar(&noFlush, "no-flush", false, "Queue the beacon without flushing")
	cmd.Flags().DurationVar(&flushTimeout, "flush-timeout", defaultFlushTimeout, "How long to wait for the flush")
}

func runRequest(method string) func(cmd *cobra.Command, args []string) {
	return func(cmd *cobra.Command, args []string) {
		url := args[0]
		verbose, _ := cmd.Flags().GetBool("verbose")

		// Parse headers
		headerMap := parseHeaders(headers)

		// Read body from file if prefixed with @
		body := data
		if strings.HasPrefix(body, "@") {
			filename := strings.TrimPrefix(body, "@")
			content, err := readBodyFromFile(filename)
			if err != nil {
				format.PrintError(fmt.Sprintf("Failed to read file: %v", err))
				os.Exit(1)
			}
			body = content
		}

		// Interrupting the request records it as canceled
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
		defer stop()

		p, err := openPipeline(ctx, cmd, viewName)
		if err != nil {
			format.PrintError(err.Error())
			os.Exit(1)
		}

		resp, reqErr := p.client.Do(ctx, method, url, headerMap, body)
		if reqErr != nil {
			format.PrintError(fmt.Sprintf("Request failed: %v", reqErr))
		} else {
			format.PrintResponse(resp, verbose)
		}

		ok := reqErr == nil
		if !noFlush {
			// Flush even after an interrupt.
			result, err := p.flush(context.Background(), flushTimeout)
			switch {
			case err != nil:
				format.PrintError(fmt.Sprintf("Flush did not complete: %v", err))
			case verbose || !result.Success():
				format.PrintFlushResult(result, p.queue.Len())
			}
		}

		p.Close()
		if !ok {
			os.Exit(1)
		}
	}
}

func parseHeaders(headerStrings []string) map[string]string {
	result := make(map[string]string)
	for _, h := range headerStrings {
		parts := strings.SplitN(h, ":", 2)
		if len(parts) == 2 {
			key := strings.TrimSpace(parts[0])
			value := strings.TrimSpace(parts[1])
			result[key] = value
		}
	}
	return result
}

// readBodyFromFile reads file content with path validation to prevent directory traversal
func readBodyFromFile(filename string) (string, error) {
	// Get working directory
	wd, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("failed to get working directory: %w", err)
	}

	// Get absolute path of the requested file
	absPath, err := filepath.Abs(filename)
	if err != nil {
		return "", fmt.Errorf("invalid file path: %w", err)
	}

	// Clean the path to resolve any .. or . components
	cleanPath := filepath.Clean(absPath)

	// Ensure file is within working directory (prevent path traversal)
	if !strings.HasPrefix(cleanPath, wd+string(filepath.Separator)) && cleanPath != wd {
		return "", fmt.Errorf("access denied: file must be within current directory")
	}

	// Check for symlinks - resolve and verify target is also within working directory
	realPath, err := filepath.EvalSymlinks(cleanPath)
	if err != nil {
		// If file doesn't exist, we'll let ReadFile handle the error
		if !os.IsNotExist(err) {
			return "", fmt.Errorf("failed to resolve path: %w", err)
		}
		realPath = cleanPath
	} else {
		// Verify symlink target is also within working directory
		if !strings.HasPrefix(realPath, wd+string(filepath.Separator)) && realPath != wd {
			return "", fmt.Errorf("access denied: symlink target must be within current directory")
		}
	}

	content, err := os.ReadFile(realPath)
	if err != nil {
		return "", err
	}

	return string(content), nil
}
