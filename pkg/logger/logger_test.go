package logger

import (
	"bytes"
	"fmt"
	"log/slog"
	"strings"
	"testing"
)

func TestHandlerRedactsSensitiveKeys(t *testing.T) {
	var buf bytes.Buffer
	l := slog.New(NewHandler(&buf, "json", slog.LevelDebug))

	l.Info("accepted",
		slog.String("buyer_secret", "s3cr3t-value"),
		slog.String("X-Payment", "eyJwYXlsb2FkIjp7fX0="),
		slog.String("task_id", "task-1"),
	)

	out := buf.String()
	if strings.Contains(out, "s3cr3t-value") || strings.Contains(out, "eyJwYXlsb2FkIjp7fX0=") {
		t.Fatalf("secret leaked into log line: %s", out)
	}
	if !strings.Contains(out, "task-1") {
		t.Fatalf("non-sensitive attribute dropped: %s", out)
	}
}

func TestRedactedValue(t *testing.T) {
	var buf bytes.Buffer
	l := slog.New(NewHandler(&buf, "text", slog.LevelInfo))
	value := Redacted("hunter2")

	l.Info("value", slog.Any("payload", value))
	if strings.Contains(buf.String(), "hunter2") {
		t.Fatalf("redacted value rendered: %s", buf.String())
	}
	if got := fmt.Sprintf("%v", value); got != RedactedText {
		t.Fatalf("unexpected fmt output %q", got)
	}
}

func TestRedactValues(t *testing.T) {
	got := RedactValues("token=abc and abc again", "abc", "")
	if strings.Contains(got, "abc") {
		t.Fatalf("value not removed: %s", got)
	}
}

func TestUseRestoresPreviousLogger(t *testing.T) {
	var buf bytes.Buffer
	restore := Use(slog.New(NewHandler(&buf, "json", slog.LevelInfo)))
	L().Info("captured")
	Audit().Info("audited")
	restore()

	if !strings.Contains(buf.String(), "captured") || !strings.Contains(buf.String(), "audited") {
		t.Fatalf("expected both loggers to be swapped: %s", buf.String())
	}
}
