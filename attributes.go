package accesscontrol

import (
	"context"
	"encoding/json"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/oarkflow/date"
	"github.com/samber/oops"
)

// Attributes is a loosely typed attribute bag with typed accessors. Every
// accessor returns ok=false for a missing key, a nil value or a value that
// cannot be converted; none of them panic.
//
// Conversion table:
//
//	GetString: string, []byte, json.Number, bool, integers and floats (formatted)
//	GetNumber: integers, unsigned integers, floats, json.Number, numeric strings
//	GetInt:    GetNumber results without a fractional part
//	GetBool:   bool, "true"/"false"/"1"/"0"/"yes"/"no" strings, integer 0 or 1
//	GetDate:   time.Time, *time.Time, date strings (any layout oarkflow/date
//	           understands), unix seconds as int64 or json.Number
type Attributes map[string]any

func (a Attributes) value(key string) (any, bool) {
	if a == nil {
		return nil, false
	}
	v, ok := a[key]
	if !ok || v == nil {
		return nil, false
	}
	return v, true
}

// Has reports whether key holds a non-nil value.
func (a Attributes) Has(key string) bool {
	_, ok := a.value(key)
	return ok
}

func (a Attributes) GetString(key string) (string, bool) {
	v, ok := a.value(key)
	if !ok {
		return "", false
	}
	switch s := v.(type) {
	case string:
		return s, true
	case []byte:
		return string(s), true
	case json.Number:
		return s.String(), true
	case bool:
		return strconv.FormatBool(s), true
	case int:
		return strconv.Itoa(s), true
	case int64:
		return strconv.FormatInt(s, 10), true
	case int32:
		return strconv.FormatInt(int64(s), 10), true
	case float64:
		return strconv.FormatFloat(s, 'f', -1, 64), true
	case float32:
		return strconv.FormatFloat(float64(s), 'f', -1, 32), true
	}
	return "", false
}

func (a Attributes) GetNumber(key string) (float64, bool) {
	v, ok := a.value(key)
	if !ok {
		return 0, false
	}
	var f float64
	switch n := v.(type) {
	case float64:
		f = n
	case float32:
		f = float64(n)
	case int:
		f = float64(n)
	case int8:
		f = float64(n)
	case int16:
		f = float64(n)
	case int32:
		f = float64(n)
	case int64:
		f = float64(n)
	case uint:
		f = float64(n)
	case uint8:
		f = float64(n)
	case uint16:
		f = float64(n)
	case uint32:
		f = float64(n)
	case uint64:
		f = float64(n)
	case json.Number:
		parsed, err := n.Float64()
		if err != nil {
			return 0, false
		}
		f = parsed
	case string:
		parsed, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		if err != nil {
			return 0, false
		}
		f = parsed
	default:
		return 0, false
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}

func (a Attributes) GetInt(key string) (int64, bool) {
	f, ok := a.GetNumber(key)
	if !ok || f != math.Trunc(f) || f > math.MaxInt64 || f < math.MinInt64 {
		return 0, false
	}
	return int64(f), true
}

func (a Attributes) GetBool(key string) (bool, bool) {
	v, ok := a.value(key)
	if !ok {
		return false, false
	}
	switch b := v.(type) {
	case bool:
		return b, true
	case string:
		switch strings.ToLower(strings.TrimSpace(b)) {
		case "true", "1", "yes", "y":
			return true, true
		case "false", "0", "no", "n":
			return false, true
		}
		return false, false
	case int, int64, int32, float64, json.Number:
		n, ok := a.GetNumber(key)
		if !ok || (n != 0 && n != 1) {
			return false, false
		}
		return n == 1, true
	}
	return false, false
}

func (a Attributes) GetDate(key string) (time.Time, bool) {
	v, ok := a.value(key)
	if !ok {
		return time.Time{}, false
	}
	switch d := v.(type) {
	case time.Time:
		return d, !d.IsZero()
	case *time.Time:
		if d == nil || d.IsZero() {
			return time.Time{}, false
		}
		return *d, true
	case string:
		s := strings.TrimSpace(d)
		if s == "" {
			return time.Time{}, false
		}
		t, err := date.Parse(s)
		if err != nil {
			return time.Time{}, false
		}
		return t, true
	case int64:
		return time.Unix(d, 0).UTC(), true
	case json.Number:
		secs, err := d.Int64()
		if err != nil {
			return time.Time{}, false
		}
		return time.Unix(secs, 0).UTC(), true
	}
	return time.Time{}, false
}

// Environment holds facts computed when the context is built.
type Environment struct {
	NowUTC          time.Time    `json:"nowUtc"`
	IsBusinessHours bool         `json:"isBusinessHours"`
	Weekday         time.Weekday `json:"weekday"`
}

// AbacContext is the input of an attribute evaluator.
type AbacContext struct {
	UserID       string
	WorkstreamID string
	Resource     string
	// User holds the persisted attributes of the user in this workstream.
	User Attributes
	// Entity holds the caller-supplied resource attributes.
	Entity      Attributes
	Environment Environment
}

// BusinessHours decides the IsBusinessHours flag. Hours are [Start, End) in
// Location; an empty Weekdays list means Monday to Friday.
type BusinessHours struct {
	StartHour int            `json:"start_hour" yaml:"start_hour"`
	EndHour   int            `json:"end_hour" yaml:"end_hour"`
	Weekdays  []time.Weekday `json:"weekdays,omitempty" yaml:"weekdays,omitempty"`
	Location  string         `json:"location,omitempty" yaml:"location,omitempty"`
}

func DefaultBusinessHours() BusinessHours {
	return BusinessHours{StartHour: 9, EndHour: 17, Location: "UTC"}
}

// Contains reports whether t falls inside business hours. An unknown
// location falls back to UTC.
func (b BusinessHours) Contains(t time.Time) bool {
	loc := time.UTC
	if b.Location != "" {
		if l, err := time.LoadLocation(b.Location); err == nil {
			loc = l
		}
	}
	local := t.In(loc)
	days := b.Weekdays
	if len(days) == 0 {
		days = []time.Weekday{time.Monday, time.Tuesday, time.Wednesday, time.Thursday, time.Friday}
	}
	working := false
	for _, d := range days {
		if d == local.Weekday() {
			working = true
			break
		}
	}
	if !working {
		return false
	}
	h := local.Hour()
	return h >= b.StartHour && h < b.EndHour
}

// AttributeContextBuilder assembles an AbacContext from the user attribute
// store, the caller's entity data and the clock.
type AttributeContextBuilder struct {
	users UserAttributeStore
	hours BusinessHours
}

func NewAttributeContextBuilder(users UserAttributeStore, hours BusinessHours) *AttributeContextBuilder {
	return &AttributeContextBuilder{users: users, hours: hours}
}

func (b *AttributeContextBuilder) Build(ctx context.Context, userID, workstreamID, resource string, entity map[string]any) (*AbacContext, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	user := Attributes{}
	if b.users != nil && userID != "" {
		attrs, err := b.users.GetAttributes(ctx, userID, workstreamID)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			return nil, oops.Code(CodeAttributeLookup).
				With("user_id", userID).
				With("workstream_id", workstreamID).
				Wrapf(err, "load user attributes")
		}
		for k, v := range attrs {
			user[k] = v
		}
	}
	res := make(Attributes, len(entity))
	for k, v := range entity {
		res[k] = v
	}
	now := Now(ctx)
	return &AbacContext{
		UserID:       userID,
		WorkstreamID: workstreamID,
		Resource:     resource,
		User:         user,
		Entity:       res,
		Environment: Environment{
			NowUTC:          now,
			IsBusinessHours: b.hours.Contains(now),
			Weekday:         now.Weekday(),
		},
	}, nil
}
