package logging

import (
	"bytes"
	"context"
	"strings"
	"testing"
)

func TestFmtLoggerWritesFieldsSorted(t *testing.T) {
	buf := &bytes.Buffer{}
	logger := WithFields(NewFmtLogger(buf), map[string]any{"version": 3, "instance_id": "i-1"})
	logger.Info("event applied state=%s", "confirmed")

	line := buf.String()
	if !strings.Contains(line, "INFO") {
		t.Fatalf("expected level in output, got %q", line)
	}
	if !strings.Contains(line, "event applied state=confirmed") {
		t.Fatalf("expected formatted message, got %q", line)
	}
	if !strings.Contains(line, "instance_id=i-1 version=3") {
		t.Fatalf("expected sorted fields, got %q", line)
	}
}

func TestFmtLoggerWithFieldsDoesNotMutateParent(t *testing.T) {
	buf := &bytes.Buffer{}
	parent := NewFmtLogger(buf)
	_ = parent.WithFields(map[string]any{"a": 1})
	parent.Warn("plain")
	if strings.Contains(buf.String(), "a=1") {
		t.Fatalf("expected parent logger without child fields, got %q", buf.String())
	}
}

func TestNormalizeFallsBackToFmtLogger(t *testing.T) {
	if _, ok := Normalize(nil).(*FmtLogger); !ok {
		t.Fatalf("expected nil logger to normalize to FmtLogger")
	}
	if _, ok := WithFields(nil, map[string]any{"a": 1}).(*FmtLogger); !ok {
		t.Fatalf("expected nil logger with fields to normalize to FmtLogger")
	}
}

func TestGlogAdapterCarriesStructuredFields(t *testing.T) {
	buf := &bytes.Buffer{}
	logger := NewJSON(buf, "trace").WithContext(context.Background())
	WithFields(logger, map[string]any{"instance_id": "inst-42"}).Info("created")

	logged := buf.String()
	if strings.TrimSpace(logged) == "" {
		t.Fatalf("expected go-logger output")
	}
	if !strings.Contains(logged, "instance_id") {
		t.Fatalf("expected structured correlation fields in output, got %q", logged)
	}
}
