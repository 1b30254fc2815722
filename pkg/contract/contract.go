// Helpers for the JSON payloads exchanged with the host. Every handler checks
// its inbound body with Validate before touching any field.
package contract

import (
	"bytes"
	"encoding/json"
	"sort"
	"time"

	"github.com/pkg/errors"
)

var (
	// ErrInvalidPayload is returned when a payload is missing or is not valid
	// JSON. Field lookups also return it for a payload that is not an object.
	ErrInvalidPayload = errors.New("invalid payload")

	// ErrFieldNotFound is returned by GetField when the key is absent.
	ErrFieldNotFound = errors.New("field not found")
)

// TimeLayout is the wire format for every timestamp the plugin emits or reads
// (yyyy-MM-dd'T'HH:mm:ss.SSS'Z', always UTC).
const TimeLayout = "2006-01-02T15:04:05.000Z"

func object(payload []byte) (map[string]json.RawMessage, error) {
	if len(bytes.TrimSpace(payload)) == 0 {
		return nil, errors.Wrap(ErrInvalidPayload, "payload is empty")
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(payload, &obj); err != nil {
		return nil, errors.Wrapf(ErrInvalidPayload, "%v", err)
	}
	// json.Unmarshal leaves the map nil for a literal null
	if obj == nil {
		return nil, errors.Wrap(ErrInvalidPayload, "payload is null")
	}
	return obj, nil
}

// RequireObject fails with ErrInvalidPayload unless payload is a JSON object.
func RequireObject(payload []byte) error {
	_, err := object(payload)
	return err
}

// topLevel returns the top-level keys of payload. Arrays and scalars are
// well-formed but have no keys.
func topLevel(payload []byte) (map[string]json.RawMessage, error) {
	trimmed := bytes.TrimSpace(payload)
	if len(trimmed) == 0 {
		return nil, errors.Wrap(ErrInvalidPayload, "payload is empty")
	}
	if trimmed[0] == '{' {
		return object(trimmed)
	}
	if !json.Valid(trimmed) {
		return nil, errors.Wrap(ErrInvalidPayload, "payload is not valid JSON")
	}
	if bytes.Equal(trimmed, []byte("null")) {
		return nil, errors.Wrap(ErrInvalidPayload, "payload is null")
	}
	return map[string]json.RawMessage{}, nil
}

// Validate returns the names in required that are not top-level keys of
// payload, sorted. Only presence is checked, never the type of a value.
func Validate(payload []byte, required ...string) ([]string, error) {
	obj, err := topLevel(payload)
	if err != nil {
		return nil, err
	}

	missing := []string{}
	seen := make(map[string]struct{}, len(required))
	for _, name := range required {
		if _, dup := seen[name]; dup {
			continue
		}
		seen[name] = struct{}{}
		if _, ok := obj[name]; !ok {
			missing = append(missing, name)
		}
	}
	sort.Strings(missing)
	return missing, nil
}

// GetField returns the raw JSON for a top-level key.
func GetField(payload []byte, name string) (json.RawMessage, error) {
	obj, err := object(payload)
	if err != nil {
		return nil, err
	}
	raw, ok := obj[name]
	if !ok {
		return nil, errors.Wrap(ErrFieldNotFound, name)
	}
	return raw, nil
}

// GetString decodes a string field. The host wraps configuration values as
// {"value": "..."}; both that form and a bare string are accepted. A JSON null
// reads as the empty string.
func GetString(payload []byte, name string) (string, error) {
	raw, err := GetField(payload, name)
	if err != nil {
		return "", err
	}
	return decodeString(raw, name)
}

func decodeString(raw json.RawMessage, name string) (string, error) {
	var s *string
	if err := json.Unmarshal(raw, &s); err == nil {
		if s == nil {
			return "", nil
		}
		return *s, nil
	}

	var wrapped struct {
		Value *string `json:"value"`
	}
	if err := json.Unmarshal(raw, &wrapped); err != nil {
		return "", errors.Wrapf(ErrInvalidPayload, "field %q is not a string", name)
	}
	if wrapped.Value == nil {
		return "", nil
	}
	return *wrapped.Value, nil
}

// ToJSON serializes v. Timestamps should be carried as Timestamp so they use
// TimeLayout.
func ToJSON(v interface{}) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, errors.Wrap(err, "Failed to encode JSON")
	}
	return b, nil
}

// FromJSON decodes data into v. Syntax and type errors are reported as
// ErrInvalidPayload.
func FromJSON(data []byte, v interface{}) error {
	if len(bytes.TrimSpace(data)) == 0 {
		return errors.Wrap(ErrInvalidPayload, "payload is empty")
	}
	if err := json.Unmarshal(data, v); err != nil {
		return errors.Wrapf(ErrInvalidPayload, "%v", err)
	}
	return nil
}

// Timestamp is a time.Time that crosses the wire in TimeLayout.
type Timestamp struct {
	time.Time
}

// NewTimestamp truncates t to milliseconds and converts it to UTC.
func NewTimestamp(t time.Time) Timestamp {
	return Timestamp{t.UTC().Truncate(time.Millisecond)}
}

// FromMillis builds a Timestamp from milliseconds since the epoch, the unit B2
// reports upload times in.
func FromMillis(ms int64) Timestamp {
	return NewTimestamp(time.UnixMilli(ms))
}

func (t Timestamp) String() string {
	return t.UTC().Format(TimeLayout)
}

func (t Timestamp) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.String())
}

func (t *Timestamp) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return errors.Wrap(ErrInvalidPayload, "timestamp must be a string")
	}
	parsed, err := time.Parse(TimeLayout, s)
	if err != nil {
		return errors.Wrapf(ErrInvalidPayload, "timestamp %q does not match %s", s, TimeLayout)
	}
	t.Time = parsed.UTC()
	return nil
}
