package stores

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/oarkflow/date"
	"github.com/samber/oops"

	"github.com/oarkflow/accesscontrol"
)

// Timestamps are stored as RFC 3339 text so that sqlite keeps nanoseconds
// and sorts lexically.
func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseFlexibleTime(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t.UTC(), nil
	}
	t, err := date.Parse(s)
	if err != nil {
		return time.Time{}, err
	}
	return t.UTC(), nil
}

// scanTime converts whatever the driver returned for a timestamp column.
func scanTime(raw any) (time.Time, error) {
	switch v := raw.(type) {
	case nil:
		return time.Time{}, nil
	case time.Time:
		return v.UTC(), nil
	case string:
		return parseFlexibleTime(v)
	case []byte:
		return parseFlexibleTime(string(v))
	}
	return time.Time{}, fmt.Errorf("unsupported time value %T", raw)
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func marshalJSON(v any) (string, error) {
	if v == nil {
		return "", nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	// typed nil maps and slices
	if string(b) == "null" {
		return "", nil
	}
	return string(b), nil
}

func unmarshalJSON(raw string, dst any) error {
	if raw == "" || raw == "null" {
		return nil
	}
	return json.Unmarshal([]byte(raw), dst)
}

// ClassifyLedgerError tags errors raised by the ledger immutability guards
// with EVENT_IMMUTABLE and leaves everything else untouched.
func ClassifyLedgerError(err error) error {
	if err == nil {
		return nil
	}
	if strings.Contains(err.Error(), accesscontrol.ImmutableEventMessage()) {
		return oops.Code(accesscontrol.CodeEventImmutable).Wrap(err)
	}
	return err
}

func clonePayload(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
