package eventlog

import (
	"context"
	"testing"
)

func TestLogWithoutDBIsNoop(t *testing.T) {
	l := New(nil)
	if err := l.Log(context.Background(), "abc", EventSessionCreated, map[string]any{"k": "v"}); err != nil {
		t.Errorf("Log with nil db = %v, want nil", err)
	}
}

func TestLogWithoutSessionIDIsNoop(t *testing.T) {
	l := New(nil)
	if err := l.Log(context.Background(), "", EventSessionEnded, nil); err != nil {
		t.Errorf("Log with empty session id = %v, want nil", err)
	}
	// LogAsync must not panic either.
	l.LogAsync("", EventSessionEnded, nil)
}
