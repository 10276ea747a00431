package audit

import (
	"encoding/hex"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/zeebo/blake3"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/triage-ai/warden/internal/clock"
)

var epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func TestRecorder_StampsScope(t *testing.T) {
	w := &MemoryWriter{}
	r := NewRecorder(w, clock.NewFake(epoch), zap.NewNop()).
		With(Scope{ExecutionID: "ex1", ProjectID: "p1", UserID: "u1", SessionID: "s1"})

	r.Record("execution.started", LevelInfo, map[string]any{"max_steps": 5})

	events := w.Events()
	if len(events) != 1 {
		t.Fatalf("got %d events", len(events))
	}
	e := events[0]
	if e.ExecutionID != "ex1" || e.ProjectID != "p1" || e.UserID != "u1" || e.SessionID != "s1" {
		t.Errorf("scope not applied: %+v", e)
	}
	if !e.Timestamp.Equal(epoch) || e.Level != LevelInfo || e.EventID == "" {
		t.Errorf("unexpected event header: %+v", e)
	}
	if e.Data != `{"max_steps":5}` {
		t.Errorf("data = %s", e.Data)
	}
	sum := blake3.Sum256([]byte(e.Data))
	if e.PayloadHash != hex.EncodeToString(sum[:]) || e.PayloadSize != uint32(len(e.Data)) {
		t.Errorf("hash/size mismatch: %s %d", e.PayloadHash, e.PayloadSize)
	}
}

func TestRecorder_CompressesOutput(t *testing.T) {
	w := &MemoryWriter{}
	r := NewRecorder(w, clock.NewFake(epoch), zap.NewNop())
	output := strings.Repeat("PASS ok\n", 500)

	r.Record("step.completed", LevelInfo, map[string]any{"step_id": "a", "output": output})

	e := w.Events()[0]
	if strings.Contains(e.Data, "PASS") {
		t.Error("output left in data payload")
	}
	var data map[string]any
	if err := json.Unmarshal([]byte(e.Data), &data); err != nil || data["step_id"] != "a" {
		t.Errorf("data = %s (%v)", e.Data, err)
	}
	if len(e.Output) == 0 || len(e.Output) >= len(output) || e.OutputSize != uint32(len(output)) {
		t.Fatalf("output not compressed: %d bytes, size %d", len(e.Output), e.OutputSize)
	}
	got, err := DecodeOutput(e.Output)
	if err != nil || got != output {
		t.Fatalf("DecodeOutput mismatch: %v", err)
	}
}

func TestRecorder_TruncatesData(t *testing.T) {
	w := &MemoryWriter{}
	r := NewRecorder(w, nil, zap.NewNop())
	r.Record("big", LevelDebug, map[string]any{"s": strings.Repeat("é", DataPreviewLength*2)})

	e := w.Events()[0]
	if n := len([]rune(e.Data)); n != DataPreviewLength {
		t.Errorf("preview length = %d runes", n)
	}
	if e.PayloadSize <= uint32(len(e.Data)) {
		t.Error("payload size should reflect the full payload")
	}
}

type panicWriter struct{}

func (panicWriter) Write(*Event) { panic("disk on fire") }
func (panicWriter) Close()       {}

func TestRecorder_NeverPanics(t *testing.T) {
	core, logs := observer.New(zap.ErrorLevel)
	r := NewRecorder(panicWriter{}, nil, zap.New(core))
	r.Record("x", LevelInfo, nil)
	if logs.Len() != 1 {
		t.Errorf("expected panic to be logged, got %d entries", logs.Len())
	}

	var nilRec *Recorder
	nilRec.Record("x", LevelInfo, nil)
	if nilRec.With(Scope{}) != nil {
		t.Error("With on nil recorder should stay nil")
	}
	NewRecorder(nil, nil, zap.NewNop()).Record("x", LevelInfo, map[string]any{"a": 1})
}

func TestRecorder_UnmarshalableData(t *testing.T) {
	w := &MemoryWriter{}
	r := NewRecorder(w, nil, zap.NewNop())
	r.Record("x", LevelWarn, map[string]any{"ch": make(chan int)})
	if !strings.Contains(w.Events()[0].Data, "marshal_error") {
		t.Errorf("data = %s", w.Events()[0].Data)
	}
}

func TestLogWriter_Levels(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	w := NewLogWriter(zap.New(core))
	r := NewRecorder(w, nil, zap.NewNop())

	r.Record("a", LevelDebug, nil)
	r.Record("b", LevelWarn, nil)
	r.Record("c", LevelError, nil)

	entries := logs.All()
	if len(entries) != 3 {
		t.Fatalf("got %d log entries", len(entries))
	}
	want := []string{"debug", "warn", "error"}
	for i, e := range entries {
		if e.Level.String() != want[i] || e.Message != "audit_event" {
			t.Errorf("entry %d = %s %s", i, e.Level, e.Message)
		}
	}
}

func TestMemoryWriter_Names(t *testing.T) {
	w := &MemoryWriter{}
	r := NewRecorder(w, nil, zap.NewNop())
	for _, n := range []string{"one", "two", "three"} {
		r.Record(n, LevelInfo, nil)
	}
	if got := strings.Join(w.Names(), ","); got != "one,two,three" {
		t.Errorf("names = %s", got)
	}
}
