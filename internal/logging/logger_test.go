package logging

import (
	"context"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
)

func TestNew_LevelAndFormat(t *testing.T) {
	l := New("wallet", "debug", "json")
	if l.GetLevel() != logrus.DebugLevel {
		t.Fatalf("level = %v, want debug", l.GetLevel())
	}
	if _, ok := l.Formatter.(*logrus.JSONFormatter); !ok {
		t.Fatalf("formatter = %T, want JSONFormatter", l.Formatter)
	}

	l = New("wallet", "nonsense", "text")
	if l.GetLevel() != logrus.InfoLevel {
		t.Fatalf("invalid level should fall back to info, got %v", l.GetLevel())
	}
	if l.Service() != "wallet" {
		t.Fatalf("service = %q", l.Service())
	}
}

func TestWithContext_AddsIDs(t *testing.T) {
	base, hook := test.NewNullLogger()
	l := Wrap(base, "walletd")

	ctx := WithUserID(WithTraceID(context.Background(), "trace-1"), "alice")
	l.WithContext(ctx).Info("hello")

	entry := hook.LastEntry()
	if entry == nil {
		t.Fatal("no entry logged")
	}
	if entry.Data["trace_id"] != "trace-1" || entry.Data["user_id"] != "alice" || entry.Data["service"] != "walletd" {
		t.Fatalf("unexpected fields: %v", entry.Data)
	}
}

func TestLogRequest_LevelByStatus(t *testing.T) {
	base, hook := test.NewNullLogger()
	l := Wrap(base, "walletd")

	l.LogRequest(context.Background(), "GET", "/v1/wallet", 200, time.Millisecond)
	if hook.LastEntry().Level != logrus.InfoLevel {
		t.Fatalf("2xx logged at %v", hook.LastEntry().Level)
	}
	l.LogRequest(context.Background(), "GET", "/v1/wallet", 403, time.Millisecond)
	if hook.LastEntry().Level != logrus.WarnLevel {
		t.Fatalf("4xx logged at %v", hook.LastEntry().Level)
	}
	l.LogRequest(context.Background(), "GET", "/v1/wallet", 502, time.Millisecond)
	if hook.LastEntry().Level != logrus.ErrorLevel {
		t.Fatalf("5xx logged at %v", hook.LastEntry().Level)
	}
}

func TestContextHelpers_Empty(t *testing.T) {
	ctx := context.Background()
	if GetTraceID(ctx) != "" || GetUserID(ctx) != "" || GetRole(ctx) != "" {
		t.Fatal("empty context returned values")
	}
	if GetRole(WithRole(ctx, "guardian")) != "guardian" {
		t.Fatal("role not stored")
	}
	if NewTraceID() == NewTraceID() {
		t.Fatal("trace ids collide")
	}
}
