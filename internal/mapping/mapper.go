// Package mapping converts captured records into their wire-ready
// form: one "key\tvalue" line per attribute.
package mapping

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"beacon/internal/model"
)

// ErrInvalidBeacon is wrapped by every error Map returns.
var ErrInvalidBeacon = errors.New("invalid beacon")

// Beacon types as sent in the "t" field.
const (
	TypeHTTPRequest = "httpRequest"
)

// Mapper flattens records for the collector identified by key.
type Mapper struct {
	key string
}

// NewMapper returns a Mapper that stamps every beacon with key.
func NewMapper(key string) *Mapper {
	return &Mapper{key: key}
}

// Map validates record and returns its wire form. It has no side
// effects.
func (m *Mapper) Map(record model.Record) (model.WireBeacon, error) {
	switch r := record.(type) {
	case model.HTTPBeacon:
		return m.mapHTTP(r)
	case *model.HTTPBeacon:
		if r == nil {
			return model.WireBeacon{}, fmt.Errorf("%w: nil http beacon", ErrInvalidBeacon)
		}
		return m.mapHTTP(*r)
	default:
		return model.WireBeacon{}, fmt.Errorf("%w: unsupported beacon type %T", ErrInvalidBeacon, record)
	}
}

func (m *Mapper) mapHTTP(b model.HTTPBeacon) (model.WireBeacon, error) {
	if b.Method == "" {
		return model.WireBeacon{}, fmt.Errorf("%w: missing http method", ErrInvalidBeacon)
	}
	if b.URL.Scheme == "" || b.URL.Host == "" {
		return model.WireBeacon{}, fmt.Errorf("%w: url %q is not absolute", ErrInvalidBeacon, b.URL.String())
	}
	if b.Duration < 0 {
		return model.WireBeacon{}, fmt.Errorf("%w: negative duration %d", ErrInvalidBeacon, b.Duration)
	}
	if b.ResponseCode != model.NoResponseCode && (b.ResponseCode < 100 || b.ResponseCode > 999) {
		return model.WireBeacon{}, fmt.Errorf("%w: response code %d out of range", ErrInvalidBeacon, b.ResponseCode)
	}

	w := &fieldWriter{}
	m.writeBase(w, b.Beacon, TypeHTTPRequest)
	w.add("hm", b.Method)
	w.add("hu", b.URL.String())
	w.add("hp", b.Path)
	w.add("hs", strconv.Itoa(b.ResponseCode))
	w.add("d", strconv.FormatInt(b.Duration, 10))
	w.add("hr", b.Result)
	if size := b.ResponseSize; size != nil {
		if total, ok := size.TransferBytes(); ok {
			w.add("trs", strconv.FormatInt(total, 10))
		}
		if size.BodyBytes != nil {
			w.add("ebs", strconv.FormatInt(*size.BodyBytes, 10))
		}
		if size.BodyBytesAfterDecoding != nil {
			w.add("dbs", strconv.FormatInt(*size.BodyBytesAfterDecoding, 10))
		}
	}
	w.add("bt", b.BackendTraceID)
	if b.Error != "" {
		w.add("ec", "1")
		w.add("em", b.Error)
		w.add("et", b.Result)
	}

	return model.WireBeacon{
		ID:        b.ID.String(),
		Timestamp: b.Timestamp,
		Payload:   w.String(),
	}, nil
}

func (m *Mapper) writeBase(w *fieldWriter, b model.Beacon, beaconType string) {
	w.add("k", m.key)
	w.add("bid", b.ID.String())
	w.add("sid", b.SessionID.String())
	w.add("ti", strconv.FormatInt(b.Timestamp, 10))
	w.add("t", beaconType)
	w.add("v", b.ViewName)
}

// fieldWriter accumulates key/value lines, skipping empty values.
type fieldWriter struct {
	lines []string
}

var valueEscaper = strings.NewReplacer(`\`, `\\`, "\t", `\t`, "\n", `\n`, "\r", `\r`)

func (w *fieldWriter) add(key, value string) {
	if value == "" {
		return
	}
	w.lines = append(w.lines, key+"\t"+valueEscaper.Replace(value))
}

func (w *fieldWriter) String() string {
	return strings.Join(w.lines, "\n")
}

// Parse splits a wire payload back into its fields. Escaped values are
// restored.
func Parse(payload string) map[string]string {
	fields := make(map[string]string)
	for _, line := range strings.Split(payload, "\n") {
		key, value, ok := strings.Cut(line, "\t")
		if !ok {
			continue
		}
		fields[key] = unescape(value)
	}
	return fields
}

func unescape(value string) string {
	if !strings.Contains(value, `\`) {
		return value
	}
	var b strings.Builder
	b.Grow(len(value))
	for i := 0; i < len(value); i++ {
		c := value[i]
		if c != '\\' || i == len(value)-1 {
			b.WriteByte(c)
			continue
		}
		i++
		switch value[i] {
		case 't':
			b.WriteByte('\t')
		case 'n':
			b.WriteByte('\n')
		case 'r':
			b.WriteByte('\r')
		default:
			b.WriteByte(value[i])
		}
	}
	return b.String()
}
