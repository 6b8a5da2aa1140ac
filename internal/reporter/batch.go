package reporter

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/klauspost/compress/gzip"

	"beacon/internal/model"
)

// beaconSeparator separates the wire forms of two beacons in a batch.
const beaconSeparator = "\n\n"

// batchBody concatenates the payloads of beacons in queue order.
func batchBody(beacons []model.WireBeacon) []byte {
	payloads := make([]string, len(beacons))
	for i, b := range beacons {
		payloads[i] = b.Payload
	}
	return []byte(strings.Join(payloads, beaconSeparator))
}

// gzipBody compresses data with best compression.
func gzipBody(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	zw, err := gzip.NewWriterLevel(&buf, gzip.BestCompression)
	if err != nil {
		return nil, err
	}
	if _, err := zw.Write(data); err != nil {
		zw.Close()
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// newBatchRequest builds the POST carrying beacons. It fails with
// CodeNotAuthenticated when no key is configured. Compression failures
// fall back to an uncompressed body.
func (r *Reporter) newBatchRequest(ctx context.Context, beacons []model.WireBeacon) (*http.Request, error) {
	if r.cfg.Key == "" {
		return nil, newError(CodeNotAuthenticated, "missing application key, no data will be sent", nil)
	}

	body := batchBody(beacons)
	encoding := ""
	if r.cfg.GzipReport {
		if compressed, err := r.compress(body); err == nil {
			body = compressed
			encoding = "gzip"
		} else {
			r.logger.Warnf("Failed to compress beacon batch, sending uncompressed: %v", err)
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.cfg.ReportingURL, bytes.NewReader(body))
	if err != nil {
		return nil, newError(CodeTransportFailure, "failed to build batch request", err)
	}
	req.Header.Set("Content-Type", "text/plain")
	if encoding != "" {
		req.Header.Set("Content-Encoding", encoding)
	}
	req.Header.Set("Content-Length", strconv.Itoa(len(body)))
	req.ContentLength = int64(len(body))

	r.metrics.BatchBytes(len(body))
	return req, nil
}

// compressFunc is swapped in tests to exercise the fallback path.
type compressFunc func([]byte) ([]byte, error)

func (r *Reporter) compress(data []byte) ([]byte, error) {
	if r.compressor != nil {
		return r.compressor(data)
	}
	out, err := gzipBody(data)
	if err != nil {
		return nil, fmt.Errorf("gzip: %w", err)
	}
	return out, nil
}
