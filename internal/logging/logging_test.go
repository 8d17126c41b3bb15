package logging

import (
	"bytes"
	"os"
	"strings"
	"testing"
)

func restore(t *testing.T) {
	t.Helper()
	orig := Verbose()
	t.Cleanup(func() {
		SetOutput(os.Stderr)
		SetVerbose(orig)
	})
}

func TestLogger(t *testing.T) {
	restore(t)

	var buf bytes.Buffer
	SetOutput(&buf)
	SetVerbose(true)

	Debugf("test debug: %s", "message")
	if out := buf.String(); !strings.Contains(out, "[DEBUG]") || !strings.Contains(out, "test debug: message") {
		t.Errorf("expected debug message, got: %s", out)
	}

	buf.Reset()
	SetVerbose(false)
	Debugf("should not appear")
	Infof("should not appear")
	Warnf("should not appear")
	if buf.Len() > 0 {
		t.Errorf("expected no output when verbose=false, got: %s", buf.String())
	}

	buf.Reset()
	Errorf("error message")
	if out := buf.String(); !strings.Contains(out, "[ERROR]") || !strings.Contains(out, "error message") {
		t.Errorf("expected error message even with verbose=false, got: %s", out)
	}
}

func TestLogLevels(t *testing.T) {
	restore(t)

	var buf bytes.Buffer
	SetOutput(&buf)
	SetVerbose(true)

	Debugf("debug")
	Infof("info")
	Warnf("warn")
	Errorf("error")

	out := buf.String()
	for _, level := range []string{"[DEBUG]", "[INFO]", "[WARN]", "[ERROR]"} {
		if !strings.Contains(out, level) {
			t.Errorf("expected %s in output, got: %s", level, out)
		}
	}
}

func TestNamed(t *testing.T) {
	restore(t)

	var buf bytes.Buffer
	SetOutput(&buf)
	SetVerbose(true)

	Named("graph").Debug("built", "nodes", 3)
	out := buf.String()
	if !strings.Contains(out, "taintflow.graph") || !strings.Contains(out, "nodes=3") {
		t.Errorf("unexpected named output: %s", out)
	}
}
