// Package audit records execution lifecycle events. Recording is
// fire-and-forget: writers buffer, and nothing here can fail a caller.
package audit

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/klauspost/compress/zstd"
	"github.com/zeebo/blake3"
	"go.uber.org/zap"

	"github.com/triage-ai/warden/internal/clock"
)

type Level string

const (
	LevelDebug Level = "debug"
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
)

// Writer persists events. Write must never block the caller.
type Writer interface {
	Write(event *Event)
	Close()
}

// Event is one recorded audit entry.
type Event struct {
	EventID     string
	Timestamp   time.Time
	ExecutionID string
	ProjectID   string
	UserID      string
	SessionID   string
	Name        string
	Level       Level
	// Data is the JSON payload, truncated to DataPreviewLength runes.
	Data        string
	PayloadHash string // BLAKE3 of the full JSON payload
	PayloadSize uint32
	// Output holds zstd-compressed step output, when the payload had one.
	Output     []byte
	OutputSize uint32
}

// DataPreviewLength is the max runes stored in Event.Data.
const DataPreviewLength = 2000

// outputKey is lifted out of the payload and stored compressed.
const outputKey = "output"

// Scope identifies what an event belongs to.
type Scope struct {
	ExecutionID string
	ProjectID   string
	UserID      string
	SessionID   string
}

// Recorder builds events and hands them to a Writer.
type Recorder struct {
	w      Writer
	clk    clock.Clock
	scope  Scope
	enc    *zstd.Encoder
	logger *zap.Logger
}

var sharedEncoder, _ = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))

// NewRecorder returns a Recorder writing to w. A nil w discards events.
func NewRecorder(w Writer, clk clock.Clock, logger *zap.Logger) *Recorder {
	if clk == nil {
		clk = clock.Real()
	}
	return &Recorder{w: w, clk: clk, enc: sharedEncoder, logger: logger}
}

// With returns a Recorder that stamps every event with scope.
func (r *Recorder) With(scope Scope) *Recorder {
	if r == nil {
		return nil
	}
	c := *r
	c.scope = scope
	return &c
}

// Record queues one event. It never blocks and never panics; a nil
// Recorder is a no-op.
func (r *Recorder) Record(name string, level Level, data map[string]any) {
	if r == nil || r.w == nil {
		return
	}
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("audit record panicked", zap.String("event", name), zap.Any("panic", p))
		}
	}()
	r.w.Write(r.build(name, level, data))
}

func (r *Recorder) build(name string, level Level, data map[string]any) *Event {
	e := &Event{
		EventID:     uuid.NewString(),
		Timestamp:   r.clk.Now().UTC(),
		ExecutionID: r.scope.ExecutionID,
		ProjectID:   r.scope.ProjectID,
		UserID:      r.scope.UserID,
		SessionID:   r.scope.SessionID,
		Name:        name,
		Level:       level,
	}

	payload := data
	if out, ok := data[outputKey].(string); ok && out != "" {
		payload = make(map[string]any, len(data))
		for k, v := range data {
			if k != outputKey {
				payload[k] = v
			}
		}
		e.Output = r.enc.EncodeAll([]byte(out), nil)
		e.OutputSize = uint32(len(out))
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		raw, _ = json.Marshal(map[string]string{"marshal_error": err.Error()})
	}
	sum := blake3.Sum256(raw)
	e.PayloadHash = hex.EncodeToString(sum[:])
	e.PayloadSize = uint32(len(raw))
	e.Data = truncate(string(raw), DataPreviewLength)
	return e
}

var sharedDecoder, _ = zstd.NewReader(nil)

// DecodeOutput decompresses Event.Output.
func DecodeOutput(b []byte) (string, error) {
	if len(b) == 0 {
		return "", nil
	}
	out, err := sharedDecoder.DecodeAll(b, nil)
	if err != nil {
		return "", fmt.Errorf("DecodeOutput: %w", err)
	}
	return string(out), nil
}

// truncate never splits a multi-byte character.
func truncate(s string, max int) string {
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max])
}
