package export

import (
	"context"
	"sync"
	"time"

	"github.com/entrhq/psiarc/pkg/psiarc"
)

// JobState is the lifecycle state of an export job:
// Queued → Running → {Paused, Completed, Failed, Cancelled}.
type JobState string

const (
	StateQueued    JobState = "queued"
	StateRunning   JobState = "running"
	StatePaused    JobState = "paused"
	StateCompleted JobState = "completed"
	StateFailed    JobState = "failed"
	StateCancelled JobState = "cancelled"
)

// Terminal reports whether the state is final.
func (s JobState) Terminal() bool {
	switch s {
	case StateCompleted, StateFailed, StateCancelled:
		return true
	}
	return false
}

// Progress is a point-in-time snapshot of a job, obtained by polling.
type Progress struct {
	CurrentFrame     int
	TotalFrames      int
	Percentage       float64
	ElapsedSeconds   float64
	RemainingSeconds float64
}

// Renderer consumes decoded frames on behalf of the caller. The
// pipeline deliberately knows nothing about render targets; video and
// image deliverables live behind this interface.
type Renderer interface {
	RenderFrame(ctx context.Context, frame psiarc.Frame) error
}

// JobConfig describes one export job.
type JobConfig struct {
	// SessionGlob selects sessions by id pattern; empty means all.
	SessionGlob string

	// Bands restricts export to the listed bands; empty means all.
	Bands []psiarc.Band

	// FPS, when positive, paces frame delivery in real time.
	FPS float64

	// Read-side degradation policy for the exported sessions.
	SkipCorruptedFrames bool
	RepairCRCErrors     bool

	// Renderer receives every decoded frame. Required.
	Renderer Renderer
}

func (c JobConfig) wantsBand(b psiarc.Band) bool {
	if len(c.Bands) == 0 {
		return true
	}
	for _, want := range c.Bands {
		if want == b {
			return true
		}
	}
	return false
}

// job is the pipeline's internal handle for one export.
type job struct {
	id  string
	cfg JobConfig

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	state   JobState
	paused  bool
	resume  chan struct{}
	current int
	total   int
	started time.Time
	err     error
}

func (j *job) setState(s JobState) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if !j.state.Terminal() {
		j.state = s
	}
}

func (j *job) fail(err error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if !j.state.Terminal() {
		j.state = StateFailed
		j.err = err
	}
}

// advance records one rendered frame.
func (j *job) advance() {
	j.mu.Lock()
	j.current++
	j.mu.Unlock()
}

// awaitResume blocks while the job is paused. Cancellation interrupts
// the wait.
func (j *job) awaitResume() error {
	for {
		j.mu.Lock()
		if !j.paused {
			j.mu.Unlock()
			return nil
		}
		resume := j.resume
		j.mu.Unlock()
		select {
		case <-resume:
		case <-j.ctx.Done():
			return j.ctx.Err()
		}
	}
}

func (j *job) pause() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.state != StateRunning || j.paused {
		return false
	}
	j.paused = true
	j.resume = make(chan struct{})
	j.state = StatePaused
	return true
}

func (j *job) unpause() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	if !j.paused || j.state.Terminal() {
		return false
	}
	j.paused = false
	j.state = StateRunning
	close(j.resume)
	return true
}

func (j *job) progress() Progress {
	j.mu.Lock()
	defer j.mu.Unlock()
	p := Progress{
		CurrentFrame: j.current,
		TotalFrames:  j.total,
	}
	if j.total > 0 {
		p.Percentage = 100 * float64(j.current) / float64(j.total)
	}
	if !j.started.IsZero() {
		p.ElapsedSeconds = time.Since(j.started).Seconds()
		if j.current > 0 {
			perFrame := p.ElapsedSeconds / float64(j.current)
			p.RemainingSeconds = perFrame * float64(j.total-j.current)
		}
	}
	return p
}
