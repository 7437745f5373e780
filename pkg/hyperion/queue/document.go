package queue

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"sync/atomic"
	"time"
)

// Document is one mailbox entry. Inbox documents carry the full sender
// envelope; outbox documents usually only set ChatID and Text.
type Document struct {
	// ID is unique within the mailbox and doubles as the file name stem.
	ID string `json:"id,omitempty"`

	// Source names the originating channel (e.g. "telegram").
	Source string `json:"source,omitempty"`

	// ChatID is the routing key the reply goes back to.
	ChatID Ref `json:"chat_id"`

	// UserID is the sender identity on the source platform.
	UserID Ref `json:"user_id,omitempty"`

	// Username is the sender handle (without "@").
	Username string `json:"username,omitempty"`

	// UserName is the sender display name.
	UserName string `json:"user_name,omitempty"`

	// Text is the message payload.
	Text string `json:"text"`

	// Timestamp is when the document was created.
	Timestamp Timestamp `json:"timestamp,omitzero"`
}

// UnmarshalJSON implements json.Unmarshaler. chat_id and text must decode;
// the remaining fields are informational and a value of the wrong JSON type
// is ignored, so extra data written by a worker never blocks delivery.
func (d *Document) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	var doc Document
	if v, ok := raw["chat_id"]; ok {
		if err := json.Unmarshal(v, &doc.ChatID); err != nil {
			return fmt.Errorf("chat_id: %w", err)
		}
	}
	if v, ok := raw["text"]; ok {
		if err := json.Unmarshal(v, &doc.Text); err != nil {
			return fmt.Errorf("text must be a string: %w", err)
		}
	}

	doc.ID = looseString(raw["id"])
	doc.Source = looseString(raw["source"])
	doc.Username = looseString(raw["username"])
	doc.UserName = looseString(raw["user_name"])
	if v, ok := raw["user_id"]; ok {
		_ = json.Unmarshal(v, &doc.UserID)
	}
	if v, ok := raw["timestamp"]; ok {
		_ = json.Unmarshal(v, &doc.Timestamp)
	}

	*d = doc
	return nil
}

// looseString decodes a string or number. Anything else yields "".
func looseString(v json.RawMessage) string {
	if len(v) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(v, &s); err == nil {
		return s
	}
	var n json.Number
	if err := json.Unmarshal(v, &n); err == nil {
		return n.String()
	}
	return ""
}

// Ref is an opaque routing key. Integer refs are encoded as JSON numbers so
// documents stay compatible with workers that expect numeric Telegram ids;
// anything else is encoded as a string. Both forms decode.
type Ref string

// IsZero reports whether the ref is empty.
func (r Ref) IsZero() bool { return r == "" }

// String returns the ref as a string.
func (r Ref) String() string { return string(r) }

// MarshalJSON implements json.Marshaler.
func (r Ref) MarshalJSON() ([]byte, error) {
	if r == "" {
		return []byte("null"), nil
	}
	if n, err := strconv.ParseInt(string(r), 10, 64); err == nil && strconv.FormatInt(n, 10) == string(r) {
		return []byte(r), nil
	}
	return json.Marshal(string(r))
}

// UnmarshalJSON implements json.Unmarshaler.
func (r *Ref) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*r = ""
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*r = Ref(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("ref must be a string or number: %w", err)
	}
	*r = Ref(n.String())
	return nil
}

// Timestamp accepts RFC 3339 and zone-less ISO-8601 values (read as UTC),
// which is what Python's datetime.isoformat() produces, as well as numeric
// Unix epoch seconds with an optional fraction.
type Timestamp struct {
	time.Time
}

// naiveLayouts are tried after RFC 3339.
var naiveLayouts = []string{
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02 15:04:05",
}

// Now returns the current time as a UTC Timestamp.
func Now() Timestamp { return Timestamp{time.Now().UTC()} }

// MarshalJSON implements json.Marshaler.
func (t Timestamp) MarshalJSON() ([]byte, error) {
	if t.IsZero() {
		return []byte("null"), nil
	}
	return json.Marshal(t.UTC().Format(time.RFC3339Nano))
}

// UnmarshalJSON implements json.Unmarshaler.
func (t *Timestamp) UnmarshalJSON(data []byte) error {
	if bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		t.Time = time.Time{}
		return nil
	}
	if trimmed := bytes.TrimSpace(data); len(trimmed) > 0 && trimmed[0] != '"' {
		secs, err := strconv.ParseFloat(string(trimmed), 64)
		if err != nil {
			return fmt.Errorf("timestamp must be a string or epoch seconds: %w", err)
		}
		whole := math.Floor(secs)
		t.Time = time.Unix(int64(whole), int64((secs-whole)*1e9)).UTC()
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("timestamp must be a string: %w", err)
	}
	if s == "" {
		t.Time = time.Time{}
		return nil
	}
	if parsed, err := time.Parse(time.RFC3339Nano, s); err == nil {
		t.Time = parsed.UTC()
		return nil
	}
	for _, layout := range naiveLayouts {
		if parsed, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
			t.Time = parsed
			return nil
		}
	}
	return fmt.Errorf("unrecognized timestamp %q", s)
}

var idSeq atomic.Uint64

// NewID returns "<unix-millis>_<suffix>". An empty suffix is replaced by a
// process-wide sequence number.
func NewID(now time.Time, suffix string) string {
	if suffix == "" {
		suffix = strconv.FormatUint(idSeq.Add(1), 10)
	}
	return fmt.Sprintf("%d_%s", now.UnixMilli(), suffix)
}
