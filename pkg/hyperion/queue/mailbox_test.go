package queue

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func newTestMailbox(t *testing.T) *Mailbox {
	t.Helper()
	m, err := Open(filepath.Join(t.TempDir(), "inbox"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return m
}

func TestOpenCreatesDirectory(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "a", "b", "outbox")
	if _, err := Open(dir); err != nil {
		t.Fatalf("Open: %v", err)
	}
	info, err := os.Stat(dir)
	if err != nil || !info.IsDir() {
		t.Fatalf("expected directory %s to exist, err=%v", dir, err)
	}
}

func TestEnqueueReadRoundTrip(t *testing.T) {
	m := newTestMailbox(t)
	ts := time.Date(2026, 1, 2, 3, 4, 5, 6000, time.UTC)
	in := &Document{
		ID:        "1700000000000_7",
		Source:    "telegram",
		ChatID:    "42",
		UserID:    "1001",
		Username:  "alice",
		UserName:  "Alice",
		Text:      "hi",
		Timestamp: Timestamp{ts},
	}

	id, err := m.Enqueue(in)
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if id != in.ID {
		t.Fatalf("id = %q, want %q", id, in.ID)
	}

	out, err := m.Read(id)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if out.ID != in.ID || out.Source != in.Source || out.ChatID != in.ChatID ||
		out.UserID != in.UserID || out.Username != in.Username ||
		out.UserName != in.UserName || out.Text != in.Text {
		t.Errorf("round trip mismatch:\n got %+v\nwant %+v", out, in)
	}
	if !out.Timestamp.Equal(in.Timestamp.Time) {
		t.Errorf("timestamp = %v, want %v", out.Timestamp, in.Timestamp)
	}
}

func TestEnqueueAssignsIDAndTimestamp(t *testing.T) {
	m := newTestMailbox(t)
	doc := &Document{ChatID: "7", Text: "x"}
	id, err := m.Enqueue(doc)
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if id == "" || doc.ID != id {
		t.Fatalf("expected assigned id, got %q / %q", id, doc.ID)
	}
	if doc.Timestamp.IsZero() {
		t.Error("expected timestamp to be set")
	}
}

func TestEnqueueRefusesOverwrite(t *testing.T) {
	m := newTestMailbox(t)
	if _, err := m.Enqueue(&Document{ID: "dup", ChatID: "1", Text: "first"}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	_, err := m.Enqueue(&Document{ID: "dup", ChatID: "1", Text: "second"})
	if !errors.Is(err, ErrExists) {
		t.Fatalf("expected ErrExists, got %v", err)
	}
	doc, err := m.Read("dup")
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if doc.Text != "first" {
		t.Errorf("document was overwritten: %q", doc.Text)
	}
}

func TestEnqueueLeavesNoTempFiles(t *testing.T) {
	m := newTestMailbox(t)
	for i := 0; i < 5; i++ {
		if _, err := m.Enqueue(&Document{ChatID: "1", Text: "x"}); err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
	}
	entries, err := os.ReadDir(m.Dir())
	if err != nil {
		t.Fatal(err)
	}
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), ".") {
			t.Errorf("unexpected leftover file %s", e.Name())
		}
	}
}

func TestInvalidIDs(t *testing.T) {
	m := newTestMailbox(t)
	for _, id := range []string{"../escape", "a/b", ".hidden", ".."} {
		t.Run(id, func(t *testing.T) {
			if _, err := m.Enqueue(&Document{ID: id, Text: "x"}); !errors.Is(err, ErrInvalidID) {
				t.Errorf("Enqueue(%q) error = %v, want ErrInvalidID", id, err)
			}
			if _, err := m.Read(id); !errors.Is(err, ErrInvalidID) {
				t.Errorf("Read(%q) error = %v, want ErrInvalidID", id, err)
			}
		})
	}
}

func TestListPendingTracksConsume(t *testing.T) {
	m := newTestMailbox(t)
	ids := []string{"3_c", "1_a", "2_b"}
	for _, id := range ids {
		if _, err := m.Enqueue(&Document{ID: id, ChatID: "1", Text: id}); err != nil {
			t.Fatalf("Enqueue(%s): %v", id, err)
		}
	}

	pending, err := m.ListPending()
	if err != nil {
		t.Fatalf("ListPending: %v", err)
	}
	want := []string{"1_a", "2_b", "3_c"}
	if strings.Join(pending, ",") != strings.Join(want, ",") {
		t.Fatalf("pending = %v, want %v", pending, want)
	}

	if err := m.Consume("2_b"); err != nil {
		t.Fatalf("Consume: %v", err)
	}
	pending, _ = m.ListPending()
	for _, id := range pending {
		if id == "2_b" {
			t.Fatal("consumed document still listed")
		}
	}
	if n, _ := m.Count(); n != 2 {
		t.Errorf("Count = %d, want 2", n)
	}
	if _, err := m.Read("2_b"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Read after consume: %v, want ErrNotFound", err)
	}
}

func TestListPendingIgnoresForeignFiles(t *testing.T) {
	m := newTestMailbox(t)
	for _, name := range []string{".x.tmp", "notes.txt", ".hidden.json"} {
		if err := os.WriteFile(filepath.Join(m.Dir(), name), []byte("{}"), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	if err := os.Mkdir(filepath.Join(m.Dir(), "sub.json"), 0o755); err != nil {
		t.Fatal(err)
	}
	if n, err := m.Count(); err != nil || n != 0 {
		t.Errorf("Count = %d, %v; want 0", n, err)
	}
}

func TestConsumeAbsentIsNoop(t *testing.T) {
	m := newTestMailbox(t)
	if err := m.Consume("never-existed"); err != nil {
		t.Errorf("Consume(absent) = %v, want nil", err)
	}
	if _, err := m.Enqueue(&Document{ID: "once", Text: "x"}); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 2; i++ {
		if err := m.Consume("once"); err != nil {
			t.Errorf("Consume #%d = %v", i, err)
		}
	}
}

func TestReadCorrupt(t *testing.T) {
	m := newTestMailbox(t)
	if err := os.WriteFile(m.Path("bad"), []byte(`{"chat_id": 1, "text": `), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Read("bad"); !errors.Is(err, ErrCorrupt) {
		t.Fatalf("Read = %v, want ErrCorrupt", err)
	}

	if err := m.Quarantine("bad", "test"); err != nil {
		t.Fatalf("Quarantine: %v", err)
	}
	if n, _ := m.Count(); n != 0 {
		t.Errorf("quarantined document still pending")
	}
	if _, err := os.Stat(filepath.Join(m.Dir(), "dead", "bad.json")); err != nil {
		t.Errorf("expected dead-letter copy: %v", err)
	}
}

func TestReadWorkerWrittenOutbox(t *testing.T) {
	m := newTestMailbox(t)
	raw := `{"chat_id": 42, "text": "hello back", "extra": true, "timestamp": "2024-05-01T10:00:00.123456"}`
	if err := os.WriteFile(m.Path("reply_1"), []byte(raw), 0o644); err != nil {
		t.Fatal(err)
	}
	doc, err := m.Read("reply_1")
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if doc.ChatID != "42" || doc.Text != "hello back" || doc.ID != "reply_1" {
		t.Errorf("unexpected document %+v", doc)
	}
	if doc.Timestamp.Year() != 2024 || doc.Timestamp.Location() != time.UTC {
		t.Errorf("naive timestamp parsed as %v", doc.Timestamp)
	}
}

func TestReadToleratesMistypedExtras(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{"epoch timestamp", `{"chat_id": 42, "text": "hello back", "timestamp": 1700000000.5}`},
		{"numeric id", `{"id": 17, "chat_id": 42, "text": "hello back"}`},
		{"object user_id", `{"user_id": {"x": 1}, "chat_id": 42, "text": "hello back"}`},
		{"array username", `{"username": ["a"], "source": 3, "chat_id": 42, "text": "hello back"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := newTestMailbox(t)
			if err := os.WriteFile(m.Path("reply_1"), []byte(tt.raw), 0o644); err != nil {
				t.Fatal(err)
			}
			doc, err := m.Read("reply_1")
			if err != nil {
				t.Fatalf("Read: %v", err)
			}
			if doc.ChatID != "42" || doc.Text != "hello back" {
				t.Errorf("unexpected document %+v", doc)
			}
		})
	}
}

func TestReadEpochTimestamp(t *testing.T) {
	m := newTestMailbox(t)
	if err := os.WriteFile(m.Path("e"), []byte(`{"chat_id": 1, "text": "x", "timestamp": 1700000000.5}`), 0o644); err != nil {
		t.Fatal(err)
	}
	doc, err := m.Read("e")
	if err != nil {
		t.Fatal(err)
	}
	want := time.Unix(1700000000, 500_000_000).UTC()
	if !doc.Timestamp.Equal(want) {
		t.Errorf("timestamp = %v, want %v", doc.Timestamp.Time, want)
	}
}

func TestReadRejectsMistypedRoutingFields(t *testing.T) {
	m := newTestMailbox(t)
	for id, raw := range map[string]string{
		"bad_chat": `{"chat_id": {"x": 1}, "text": "hi"}`,
		"bad_text": `{"chat_id": 1, "text": 5}`,
	} {
		if err := os.WriteFile(m.Path(id), []byte(raw), 0o644); err != nil {
			t.Fatal(err)
		}
		if _, err := m.Read(id); !errors.Is(err, ErrCorrupt) {
			t.Errorf("Read(%s) = %v, want ErrCorrupt", id, err)
		}
	}
}

func TestRefEncoding(t *testing.T) {
	tests := []struct {
		ref  Ref
		want string
	}{
		{"42", `{"chat_id":42,"text":""}`},
		{"-100123", `{"chat_id":-100123,"text":""}`},
		{"123456789012345678@s.whatsapp.net", `{"chat_id":"123456789012345678@s.whatsapp.net","text":""}`},
		{"", `{"chat_id":null,"text":""}`},
	}
	for _, tt := range tests {
		data, err := json.Marshal(Document{ChatID: tt.ref})
		if err != nil {
			t.Fatalf("Marshal(%q): %v", tt.ref, err)
		}
		if string(data) != tt.want {
			t.Errorf("Marshal(%q) = %s, want %s", tt.ref, data, tt.want)
		}
		var back Document
		if err := json.Unmarshal(data, &back); err != nil {
			t.Fatalf("Unmarshal(%s): %v", data, err)
		}
		if back.ChatID != tt.ref {
			t.Errorf("ref round trip = %q, want %q", back.ChatID, tt.ref)
		}
	}
}

func TestIDFromPath(t *testing.T) {
	m := newTestMailbox(t)
	tests := []struct {
		path string
		id   string
		ok   bool
	}{
		{m.Path("1_2"), "1_2", true},
		{filepath.Join(m.Dir(), ".1_2.abc.tmp"), "", false},
		{filepath.Join(m.Dir(), "readme.md"), "", false},
		{filepath.Join(m.Dir(), "dead", "x.json"), "", false},
	}
	for _, tt := range tests {
		id, ok := m.IDFromPath(tt.path)
		if id != tt.id || ok != tt.ok {
			t.Errorf("IDFromPath(%s) = %q,%v; want %q,%v", tt.path, id, ok, tt.id, tt.ok)
		}
	}
}

func TestSweepTemp(t *testing.T) {
	m := newTestMailbox(t)
	old := filepath.Join(m.Dir(), ".old.x.tmp")
	fresh := filepath.Join(m.Dir(), ".fresh.y.tmp")
	for _, p := range []string{old, fresh} {
		if err := os.WriteFile(p, []byte("{"), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	past := time.Now().Add(-2 * time.Hour)
	if err := os.Chtimes(old, past, past); err != nil {
		t.Fatal(err)
	}

	n, err := m.SweepTemp(time.Hour)
	if err != nil {
		t.Fatalf("SweepTemp: %v", err)
	}
	if n != 1 {
		t.Errorf("removed %d, want 1", n)
	}
	if _, err := os.Stat(fresh); err != nil {
		t.Errorf("fresh temp file removed: %v", err)
	}
}
