package observability

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
)

func TestNewLoggerWritesStructuredJSONFields(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger(Config{Level: "info", Output: &buf})
	l.Info("hello").Str("extra", "x").Send()

	var line map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("log line is not valid JSON: %v, got %q", err, buf.String())
	}
	if line["service"] != "monolite" {
		t.Fatalf("service field = %v, want monolite", line["service"])
	}
	if line["msg"] != "hello" {
		t.Fatalf("msg field = %v, want hello", line["msg"])
	}
	if line["extra"] != "x" {
		t.Fatalf("extra field = %v, want x", line["extra"])
	}
}

func TestDebugLevelSuppressedWhenLevelIsInfo(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger(Config{Level: "info", Output: &buf})
	l.Debug("should not appear").Send()
	if buf.Len() != 0 {
		t.Fatalf("expected debug line to be suppressed at info level, got %q", buf.String())
	}
}

func TestDebugLevelEmittedWhenConfigured(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger(Config{Level: "debug", Output: &buf})
	l.Debug("should appear").Send()
	if buf.Len() == 0 {
		t.Fatalf("expected debug line to be emitted at debug level")
	}
}

func TestWireLoggerAddsComponentAndOpFields(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger(Config{Level: "info", Output: &buf})
	l.WireLogger("OP_MSG").Info("dispatched").Send()

	var line map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("log line is not valid JSON: %v", err)
	}
	if line["component"] != "wire" || line["op"] != "OP_MSG" {
		t.Fatalf("line = %v, want component=wire op=OP_MSG", line)
	}
}

func TestLogCommandSwitchesLevelOnError(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger(Config{Level: "info", Output: &buf})

	l.LogCommand("find", 0, nil)
	if strings.Contains(buf.String(), `"level":"error"`) {
		t.Fatalf("expected info level for a successful command, got %q", buf.String())
	}

	buf.Reset()
	l.LogCommand("find", 0, errSample)
	if !strings.Contains(buf.String(), `"level":"error"`) {
		t.Fatalf("expected error level for a failed command, got %q", buf.String())
	}
}

var errSample = sampleErr{}

type sampleErr struct{}

func (sampleErr) Error() string { return "boom" }
