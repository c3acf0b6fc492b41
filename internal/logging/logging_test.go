package logging

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestPreInitLoggerUsesConfiguredHandler(t *testing.T) {
	logger := L("capture")

	var buf bytes.Buffer
	Init("text", "info", &buf)

	logger.Info("session started", "media", "video")

	out := buf.String()
	if !strings.Contains(out, `msg="session started"`) {
		t.Fatalf("expected message, got: %s", out)
	}
	if !strings.Contains(out, "component=capture") {
		t.Fatalf("expected component field, got: %s", out)
	}
	if !strings.Contains(out, "media=video") {
		t.Fatalf("expected media field, got: %s", out)
	}
}

func TestSetLevelFiltersWithoutReinit(t *testing.T) {
	logger := L("codec")

	var buf bytes.Buffer
	Init("text", "info", &buf)
	SetLevel("warn")
	t.Cleanup(func() { SetLevel("info") })

	logger.Info("hidden")
	logger.Warn("shown")

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Fatalf("info record should be filtered at warn level: %s", out)
	}
	if !strings.Contains(out, "shown") {
		t.Fatalf("warn record should be emitted: %s", out)
	}
}

func TestJSONFormatAndSessionFields(t *testing.T) {
	var buf bytes.Buffer
	Init("json", "debug", &buf)
	t.Cleanup(func() { Init("text", "info", nil) })

	WithSession(L("worker"), "abc", "audio").Debug("drained")

	out := buf.String()
	for _, want := range []string{`"component":"worker"`, `"session":"abc"`, `"media":"audio"`, `"msg":"drained"`} {
		if !strings.Contains(out, want) {
			t.Fatalf("expected %s in %s", want, out)
		}
	}
}

func TestFromContextFallsBackToDefault(t *testing.T) {
	if FromContext(context.Background()) == nil {
		t.Fatal("expected default logger")
	}
	l := L("ctx")
	if got := FromContext(NewContext(context.Background(), l)); got != l {
		t.Fatal("expected logger stored in context")
	}
}

func TestRotatingWriterRotatesAndKeepsBackups(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agent.log")
	w, err := NewRotatingWriter(path, 1, 2)
	if err != nil {
		t.Fatal(err)
	}
	defer w.Close()

	chunk := bytes.Repeat([]byte("x"), 600*1024)
	for i := 0; i < 4; i++ {
		if _, err := w.Write(chunk); err != nil {
			t.Fatalf("write %d: %v", i, err)
		}
	}

	for _, name := range []string{path, path + ".1", path + ".2"} {
		if _, err := os.Stat(name); err != nil {
			t.Fatalf("expected %s to exist: %v", name, err)
		}
	}
	if _, err := os.Stat(path + ".3"); !os.IsNotExist(err) {
		t.Fatalf("expected at most 2 backups, stat err = %v", err)
	}
}

func TestRotatingWriterWriteAfterClose(t *testing.T) {
	w, err := NewRotatingWriter(filepath.Join(t.TempDir(), "a.log"), 1, 1)
	if err != nil {
		t.Fatal(err)
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}
	if _, err := w.Write([]byte("late")); err == nil {
		t.Fatal("expected error writing to closed writer")
	}
}
