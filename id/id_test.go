package id_test

import (
	"strings"
	"testing"

	"github.com/carmisergio/pomegranate/id"
)

func TestConstructors(t *testing.T) {
	tests := []struct {
		name   string
		newFn  func() id.ID
		prefix string
	}{
		{"SessionID", id.NewSessionID, "sess_"},
		{"WorkerID", id.NewWorkerID, "wkr_"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.newFn().String()
			if !strings.HasPrefix(got, tt.prefix) {
				t.Errorf("expected prefix %q, got %q", tt.prefix, got)
			}
		})
	}
}

func TestNew(t *testing.T) {
	i := id.New(id.PrefixSession)
	if i.IsNil() {
		t.Fatal("expected non-nil ID")
	}
	if i.Prefix() != id.PrefixSession {
		t.Errorf("expected prefix %q, got %q", id.PrefixSession, i.Prefix())
	}
}

func TestParseRoundTrip(t *testing.T) {
	orig := id.NewSessionID()

	parsed, err := id.Parse(orig.String())
	if err != nil {
		t.Fatalf("Parse(%q): %v", orig.String(), err)
	}
	if parsed.String() != orig.String() {
		t.Errorf("round trip mismatch: %q != %q", parsed.String(), orig.String())
	}
}

func TestParseErrors(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{"empty", ""},
		{"garbage", "not a typeid"},
		{"bad suffix", "sess_!!!!"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := id.Parse(tt.input); err == nil {
				t.Errorf("Parse(%q): expected error, got nil", tt.input)
			}
		})
	}
}

func TestParseWithPrefix(t *testing.T) {
	sess := id.NewSessionID()

	if _, err := id.ParseSessionID(sess.String()); err != nil {
		t.Errorf("ParseSessionID(%q): %v", sess.String(), err)
	}
	if _, err := id.ParseWorkerID(sess.String()); err == nil {
		t.Error("ParseWorkerID on a session ID: expected prefix mismatch error")
	}
}

func TestFixedWidth(t *testing.T) {
	// The wire codec encodes session IDs as a fixed-width field; the string
	// form of any "sess" ID must always be the same length.
	want := len("sess_") + id.SuffixLen
	for range 50 {
		got := id.NewSessionID().String()
		if len(got) != want {
			t.Fatalf("session ID %q has length %d, want %d", got, len(got), want)
		}
	}
}

func TestNilID(t *testing.T) {
	if !id.Nil.IsNil() {
		t.Error("Nil.IsNil() = false")
	}
	if id.Nil.String() != "" {
		t.Errorf("Nil.String() = %q, want empty", id.Nil.String())
	}

	text, err := id.Nil.MarshalText()
	if err != nil {
		t.Fatalf("MarshalText: %v", err)
	}
	if len(text) != 0 {
		t.Errorf("Nil.MarshalText() = %q, want empty", text)
	}

	var back id.ID
	if err := back.UnmarshalText(nil); err != nil {
		t.Fatalf("UnmarshalText(nil): %v", err)
	}
	if !back.IsNil() {
		t.Error("UnmarshalText(nil) should produce the Nil ID")
	}
}
