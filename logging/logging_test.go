package logging

import (
	"bytes"
	"strings"
	"testing"
)

func TestInfof_SuppressedAtQuiet(t *testing.T) {
	var buf bytes.Buffer
	l := New(&buf, LevelQuiet)
	l.Infof("hello %s", "world")
	if buf.Len() != 0 {
		t.Errorf("expected no output at quiet level, got %q", buf.String())
	}
}

func TestInfof_EmittedAtNormal(t *testing.T) {
	var buf bytes.Buffer
	l := New(&buf, LevelNormal)
	l.Infof("hello %s", "world")
	if !strings.Contains(buf.String(), "hello world") {
		t.Errorf("expected message emitted, got %q", buf.String())
	}
}

func TestDebugf_OnlyAtVerbose(t *testing.T) {
	var buf bytes.Buffer
	l := New(&buf, LevelNormal)
	l.Debugf("detail")
	if buf.Len() != 0 {
		t.Errorf("expected debug suppressed at normal level, got %q", buf.String())
	}

	l2 := New(&buf, LevelVerbose)
	l2.Debugf("detail")
	if !strings.Contains(buf.String(), "detail") {
		t.Errorf("expected debug emitted at verbose level, got %q", buf.String())
	}
}

func TestWarnf_AlwaysEmitted(t *testing.T) {
	var buf bytes.Buffer
	l := New(&buf, LevelQuiet)
	l.Warnf("uh oh")
	if !strings.Contains(buf.String(), "uh oh") {
		t.Errorf("expected warning to bypass quiet level, got %q", buf.String())
	}
}

func TestFromConfig(t *testing.T) {
	if FromConfig(true, false) != LevelVerbose {
		t.Error("expected verbose to take LevelVerbose")
	}
	if FromConfig(false, true) != LevelQuiet {
		t.Error("expected quiet to take LevelQuiet")
	}
	if FromConfig(false, false) != LevelNormal {
		t.Error("expected default LevelNormal")
	}
}
