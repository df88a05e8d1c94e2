// Package progress reports stage progress of pipeline runs.
package progress

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/sells-group/lead-pipeline/internal/model"
)

// Sink receives stage lifecycle events. Each stage run produces one Start,
// any number of Update calls and exactly one Complete or Fail.
type Sink interface {
	Start(sessionID string, stage model.Stage, total int)
	Update(sessionID string, stage model.Stage, done, total int)
	Complete(sessionID string, stage model.Stage, result any)
	Fail(sessionID string, stage model.Stage, err error)
}

// Nop discards every event.
type Nop struct{}

func (Nop) Start(string, model.Stage, int)       {}
func (Nop) Update(string, model.Stage, int, int) {}
func (Nop) Complete(string, model.Stage, any)    {}
func (Nop) Fail(string, model.Stage, error)      {}

// Log writes events to the global zap logger. Updates are logged at debug.
type Log struct{}

func (Log) Start(sessionID string, stage model.Stage, total int) {
	zap.L().Info("progress: stage started",
		zap.String("session_id", sessionID),
		zap.String("stage", string(stage)),
		zap.Int("total", total),
	)
}

func (Log) Update(sessionID string, stage model.Stage, done, total int) {
	zap.L().Debug("progress: stage update",
		zap.String("session_id", sessionID),
		zap.String("stage", string(stage)),
		zap.Int("done", done),
		zap.Int("total", total),
	)
}

func (Log) Complete(sessionID string, stage model.Stage, result any) {
	zap.L().Info("progress: stage complete",
		zap.String("session_id", sessionID),
		zap.String("stage", string(stage)),
		zap.Any("result", result),
	)
}

func (Log) Fail(sessionID string, stage model.Stage, err error) {
	zap.L().Error("progress: stage failed",
		zap.String("session_id", sessionID),
		zap.String("stage", string(stage)),
		zap.Error(err),
	)
}

// Multi fans events out to several sinks.
type Multi []Sink

func (m Multi) Start(sessionID string, stage model.Stage, total int) {
	for _, s := range m {
		s.Start(sessionID, stage, total)
	}
}

func (m Multi) Update(sessionID string, stage model.Stage, done, total int) {
	for _, s := range m {
		s.Update(sessionID, stage, done, total)
	}
}

func (m Multi) Complete(sessionID string, stage model.Stage, result any) {
	for _, s := range m {
		s.Complete(sessionID, stage, result)
	}
}

func (m Multi) Fail(sessionID string, stage model.Stage, err error) {
	for _, s := range m {
		s.Fail(sessionID, stage, err)
	}
}

// Status of one stage in a Tracker.
type Status string

const (
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// StageProgress is the latest known progress of one stage of a session.
type StageProgress struct {
	Stage     model.Stage `json:"stage"`
	Status    Status      `json:"status"`
	Done      int         `json:"done"`
	Total     int         `json:"total"`
	Result    any         `json:"result,omitempty"`
	Error     string      `json:"error,omitempty"`
	StartedAt time.Time   `json:"started_at"`
	UpdatedAt time.Time   `json:"updated_at"`
}

// Tracker keeps the latest progress of every session in memory. It is safe
// for concurrent use.
type Tracker struct {
	mu       sync.RWMutex
	sessions map[string][]StageProgress
	now      func() time.Time
}

// NewTracker returns an empty Tracker.
func NewTracker() *Tracker {
	return &Tracker{sessions: make(map[string][]StageProgress), now: time.Now}
}

func (t *Tracker) Start(sessionID string, stage model.Stage, total int) {
	now := t.now()
	t.mu.Lock()
	defer t.mu.Unlock()
	stages := t.sessions[sessionID]
	p := StageProgress{Stage: stage, Status: StatusRunning, Total: total, StartedAt: now, UpdatedAt: now}
	for i := range stages {
		if stages[i].Stage == stage {
			stages[i] = p
			return
		}
	}
	t.sessions[sessionID] = append(stages, p)
}

func (t *Tracker) Update(sessionID string, stage model.Stage, done, total int) {
	t.modify(sessionID, stage, func(p *StageProgress) {
		p.Done, p.Total = done, total
	})
}

func (t *Tracker) Complete(sessionID string, stage model.Stage, result any) {
	t.modify(sessionID, stage, func(p *StageProgress) {
		p.Status = StatusCompleted
		p.Done = p.Total
		p.Result = result
	})
}

func (t *Tracker) Fail(sessionID string, stage model.Stage, err error) {
	t.modify(sessionID, stage, func(p *StageProgress) {
		p.Status = StatusFailed
		if err != nil {
			p.Error = err.Error()
		}
	})
}

func (t *Tracker) modify(sessionID string, stage model.Stage, fn func(*StageProgress)) {
	now := t.now()
	t.mu.Lock()
	defer t.mu.Unlock()
	stages := t.sessions[sessionID]
	for i := range stages {
		if stages[i].Stage == stage {
			fn(&stages[i])
			stages[i].UpdatedAt = now
			return
		}
	}
}

// Session returns a copy of the progress of every stage started for the
// session, in start order.
func (t *Tracker) Session(sessionID string) []StageProgress {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return append([]StageProgress(nil), t.sessions[sessionID]...)
}
