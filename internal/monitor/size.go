package monitor

import (
	"net/http"
	"strings"

	"beacon/internal/model"
)

// backendTraceKey is the Server-Timing metric carrying the backend
// correlation id, e.g. "Server-Timing: intid;desc=bd777df70e5e5356".
const backendTraceKey = "intid"

// HTTPSizeFromResponse derives the size breakdown of resp. Header
// bytes are the size of the serialized header block, body bytes come
// from Content-Length and decoded is the number of body bytes actually
// read after transfer decoding (negative if unknown).
func HTTPSizeFromResponse(resp *http.Response, decoded model.Bytes) model.HTTPSize {
	counter := &byteCounter{}
	_ = resp.Header.Write(counter)

	body := resp.ContentLength
	if resp.Uncompressed {
		// The transport removed Content-Length along with the encoding.
		body = -1
	}
	return model.NewHTTPSize(counter.n, body, decoded)
}

type byteCounter struct {
	n int64
}

func (c *byteCounter) Write(p []byte) (int, error) {
	c.n += int64(len(p))
	return len(p), nil
}

// BackendTraceID extracts the backend correlation id from the
// Server-Timing response header. It returns "" when absent.
func BackendTraceID(header http.Header) string {
	for _, value := range header.Values("Server-Timing") {
		for _, metric := range strings.Split(value, ",") {
			parts := strings.Split(strings.TrimSpace(metric), ";")
			if strings.TrimSpace(parts[0]) != backendTraceKey {
				continue
			}
			for _, param := range parts[1:] {
				key, val, ok := strings.Cut(strings.TrimSpace(param), "=")
				if ok && key == "desc" {
					return strings.Trim(val, `"`)
				}
			}
		}
	}
	return ""
}
