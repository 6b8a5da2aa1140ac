// Package format renders responses and queued beacons for the terminal.
package format

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"time"
	"unicode"

	"github.com/fatih/color"

	"beacon/internal/mapping"
	"beacon/internal/model"
	"beacon/internal/reporter"
)

// out is where everything is printed; tests replace it.
var out io.Writer = color.Output

// sanitizeOutput removes or escapes potentially dangerous control characters
// that could manipulate terminal display or execute commands
func sanitizeOutput(s string) string {
	var result strings.Builder
	result.Grow(len(s))

	for _, r := range s {
		switch {
		case r == '\n' || r == '\r' || r == '\t':
			// Allow common whitespace characters
			result.WriteRune(r)
		case r == '\x1b':
			// Escape ANSI escape sequences - replace ESC with visible representation
			result.WriteString("\\x1b")
		case unicode.IsControl(r) && r < 0x20:
			result.WriteString(fmt.Sprintf("\\x%02x", r))
		case r == 0x7F:
			// DEL character
			result.WriteString("\\x7f")
		default:
			result.WriteRune(r)
		}
	}

	return result.String()
}

var (
	successColor   = color.New(color.FgGreen, color.Bold)
	redirectColor  = color.New(color.FgYellow, color.Bold)
	clientErrColor = color.New(color.FgRed, color.Bold)
	serverErrColor = color.New(color.FgRed, color.Bold, color.BgWhite)
	headerKeyColor = color.New(color.FgCyan)
	methodColor    = color.New(color.FgMagenta, color.Bold)
	urlColor       = color.New(color.FgBlue)
	dimColor       = color.New(color.Faint)
)

// fieldLabels names the wire keys shown by PrintBeaconDetail.
var fieldLabels = map[string]string{
	"k":   "Key",
	"bid": "Beacon ID",
	"sid": "Session ID",
	"ti":  "Timestamp",
	"t":   "Type",
	"v":   "View",
	"hm":  "Method",
	"hu":  "URL",
	"hp":  "Path",
	"hs":  "Status",
	"d":   "Duration (ms)",
	"hr":  "Result",
	"trs": "Transfer size",
	"ebs": "Encoded body size",
	"dbs": "Decoded body size",
	"bt":  "Backend trace",
	"ec":  "Error count",
	"em":  "Error message",
	"et":  "Error type",
}

// PrintResponse prints a formatted HTTP response
func PrintResponse(resp *model.Response, showHeaders bool) {
	// Print status line with color based on status code
	getStatusColor(resp.StatusCode).Fprintf(out, "%s\n", sanitizeOutput(resp.Status))

	dimColor.Fprintf(out, "  Time: %dms\n\n", resp.DurationMs)

	if showHeaders {
		printHeaders(resp.Headers)
	}

	printBody(resp.Body)
}

func getStatusColor(code int) *color.Color {
	switch {
	case code >= 200 && code < 300:
		return successColor
	case code >= 300 && code < 400:
		return redirectColor
	case code >= 400 && code < 500:
		return clientErrColor
	default:
		return serverErrColor
	}
}

func printHeaders(headers map[string]string) {
	if len(headers) == 0 {
		return
	}

	fmt.Fprintln(out, "Headers:")

	// Sort headers for consistent output
	keys := make([]string, 0, len(headers))
	for k := range headers {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, key := range keys {
		headerKeyColor.Fprintf(out, "  %s: ", sanitizeOutput(key))
		fmt.Fprintln(out, sanitizeOutput(headers[key]))
	}
	fmt.Fprintln(out)
}

func printBody(body string) {
	if body == "" {
		dimColor.Fprintln(out, "(empty body)")
		return
	}

	// Try to pretty-print JSON, then sanitize output for terminal safety
	fmt.Fprintln(out, sanitizeOutput(prettyJSON(body)))
}

func prettyJSON(s string) string {
	var buf bytes.Buffer
	if err := json.Indent(&buf, []byte(s), "", "  "); err != nil {
		// Not valid JSON, return as-is
		return s
	}
	return buf.String()
}

// PrintBeaconList prints queued beacons in a compact format, oldest first
func PrintBeaconList(beacons []model.WireBeacon, limit int) {
	if len(beacons) == 0 {
		dimColor.Fprintln(out, "No beacons queued")
		return
	}

	count := len(beacons)
	if limit > 0 && limit < count {
		count = limit
	}

	for i := 0; i < count; i++ {
		fields := mapping.Parse(beacons[i].Payload)
		dimColor.Fprintf(out, "[%d] ", i+1)
		methodColor.Fprintf(out, "%-7s ", sanitizeOutput(fields["hm"]))

		// Truncate URL if too long, then sanitize
		u := fields["hu"]
		if len(u) > 60 {
			u = u[:57] + "..."
		}
		urlColor.Fprintf(out, "%-60s ", sanitizeOutput(u))

		if code, err := strconv.Atoi(fields["hs"]); err == nil {
			getStatusColor(code).Fprintf(out, "%d ", code)
		} else {
			clientErrColor.Fprintf(out, "%s ", sanitizeOutput(fields["hr"]))
		}
		dimColor.Fprintf(out, "(%sms)", fields["d"])
		fmt.Fprintln(out)
	}

	if limit > 0 && len(beacons) > limit {
		dimColor.Fprintf(out, "\n... and %d more beacons\n", len(beacons)-limit)
	}
}

// PrintBeaconDetail prints every field of a queued beacon
func PrintBeaconDetail(b model.WireBeacon) {
	dimColor.Fprintf(out, "ID: %s\n", b.ID)
	dimColor.Fprintf(out, "Time: %s\n", time.UnixMilli(b.Timestamp).Format("2006-01-02 15:04:05"))
	fmt.Fprintln(out, strings.Repeat("-", 40))

	fields := mapping.Parse(b.Payload)
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, key := range keys {
		label := fieldLabels[key]
		if label == "" {
			label = key
		}
		value := fields[key]
		if key == "k" {
			value = maskKey(value)
		}
		headerKeyColor.Fprintf(out, "  %s: ", label)
		fmt.Fprintln(out, sanitizeOutput(value))
	}
}

// maskKey hides all but the last four characters of an application key.
func maskKey(key string) string {
	if len(key) <= 4 {
		return strings.Repeat("*", len(key))
	}
	return strings.Repeat("*", len(key)-4) + key[len(key)-4:]
}

// PrintFlushResult prints the outcome of a flush attempt
func PrintFlushResult(result reporter.Result, remaining int) {
	if result.Success() {
		if len(result.Beacons) == 0 {
			dimColor.Fprintln(out, "Nothing to send")
			return
		}
		PrintSuccess(fmt.Sprintf("Sent %d beacons", len(result.Beacons)))
		return
	}

	var rerr *reporter.Error
	if errors.As(result.Err, &rerr) && rerr.Code == reporter.CodeSuspendedByPolicy {
		redirectColor.Fprintf(out, "! Flush suspended: %s\n", sanitizeOutput(rerr.Error()))
	} else {
		PrintError(fmt.Sprintf("Flush failed: %v", result.Err))
	}
	dimColor.Fprintf(out, "  %d beacons remain queued\n", remaining)
}

// PrintSuccess prints a success message
func PrintSuccess(msg string) {
	successColor.Fprintf(out, "✓ %s\n", msg)
}

// PrintError prints an error message
func PrintError(msg string) {
	clientErrColor.Fprintf(out, "✗ %s\n", sanitizeOutput(msg))
}
