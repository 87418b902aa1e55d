// Package export wraps frame decoding and rendering as asynchronous,
// cancellable jobs with polled progress. It is the outbound
// collaborator of the archive core: the core never depends on it.
//
// Cancellation stops future scheduling of work for a job; it never
// rolls back output the renderer already produced, so callers must
// treat a cancelled job's output as incomplete.
package export

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gobwas/glob"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/entrhq/psiarc/pkg/logging"
	"github.com/entrhq/psiarc/pkg/psiarc"
)

var (
	ErrNoRenderer   = errors.New("export: job config has no renderer")
	ErrNoSessions   = errors.New("export: no sessions match the selection")
	ErrUnknownJob   = errors.New("export: unknown job id")
	ErrPipelineDone = errors.New("export: pipeline closed")
)

// PipelineOption configures a Pipeline.
type PipelineOption func(*Pipeline)

// WithWorkers bounds the number of jobs decoding concurrently.
// Default 2.
func WithWorkers(n int) PipelineOption {
	return func(p *Pipeline) {
		if n > 0 {
			p.workers = n
		}
	}
}

// WithLogger routes pipeline diagnostics to the given logger.
func WithLogger(l *logging.Logger) PipelineOption {
	return func(p *Pipeline) { p.log = l }
}

// Pipeline schedules export jobs over one opened archive. Decoding a
// frame range is synchronous bounded work, so each job runs on one
// worker; the pool bounds archive-wide decode parallelism.
type Pipeline struct {
	reader  *psiarc.Reader
	workers int
	log     *logging.Logger

	ctx    context.Context
	cancel context.CancelFunc
	group  *errgroup.Group

	mu     sync.Mutex
	jobs   map[string]*job
	closed bool
}

// NewPipeline creates a pipeline over an opened reader.
func NewPipeline(r *psiarc.Reader, opts ...PipelineOption) *Pipeline {
	p := &Pipeline{
		reader:  r,
		workers: 2,
		log:     logging.NewNop(),
		jobs:    make(map[string]*job),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.ctx, p.cancel = context.WithCancel(context.Background())
	p.group = &errgroup.Group{}
	p.group.SetLimit(p.workers)
	return p
}

// CreateJob validates the config, resolves the session selection, and
// queues the job. It returns immediately with the job id; progress is
// polled via JobProgress.
func (p *Pipeline) CreateJob(cfg JobConfig) (string, error) {
	if cfg.Renderer == nil {
		return "", ErrNoRenderer
	}
	pattern := cfg.SessionGlob
	if pattern == "" {
		pattern = "*"
	}
	g, err := glob.Compile(pattern)
	if err != nil {
		return "", fmt.Errorf("export: session glob %q: %w", pattern, err)
	}

	sessOpts := psiarc.SessionOptions{
		SkipCorruptedFrames: cfg.SkipCorruptedFrames,
		RepairCRCErrors:     cfg.RepairCRCErrors,
	}
	var views []*psiarc.SessionView
	total := 0
	for _, id := range p.reader.SessionIDs() {
		if !g.Match(id) {
			continue
		}
		view, err := p.reader.Session(id, sessOpts)
		if err != nil {
			return "", fmt.Errorf("export: session %q: %w", id, err)
		}
		views = append(views, view)
		it := view.Frames()
		for it.Next() {
			if cfg.wantsBand(it.Frame().Band) {
				total++
			}
		}
		if err := it.Err(); err != nil {
			return "", fmt.Errorf("export: session %q: %w", id, err)
		}
	}
	if len(views) == 0 {
		return "", fmt.Errorf("%w: %q", ErrNoSessions, pattern)
	}

	jctx, jcancel := context.WithCancel(p.ctx)
	j := &job{
		id:     uuid.New().String(),
		cfg:    cfg,
		ctx:    jctx,
		cancel: jcancel,
		state:  StateQueued,
		total:  total,
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		jcancel()
		return "", ErrPipelineDone
	}
	p.jobs[j.id] = j
	p.mu.Unlock()

	p.group.Go(func() error {
		p.run(j, views)
		return nil
	})
	p.log.Infof("job %s queued: %d frames across %d sessions", j.id, total, len(views))
	return j.id, nil
}

func (p *Pipeline) run(j *job, views []*psiarc.SessionView) {
	j.mu.Lock()
	if j.state.Terminal() {
		j.mu.Unlock()
		return
	}
	j.state = StateRunning
	j.started = time.Now()
	j.mu.Unlock()

	var limiter *rate.Limiter
	if j.cfg.FPS > 0 {
		limiter = rate.NewLimiter(rate.Limit(j.cfg.FPS), 1)
	}

	for _, view := range views {
		it := view.Frames()
		for it.Next() {
			frame := it.Frame()
			if !j.cfg.wantsBand(frame.Band) {
				continue
			}
			if err := j.awaitResume(); err != nil {
				j.setState(StateCancelled)
				p.log.Infof("job %s cancelled at frame %d", j.id, j.progress().CurrentFrame)
				return
			}
			if limiter != nil {
				if err := limiter.Wait(j.ctx); err != nil {
					j.setState(StateCancelled)
					return
				}
			}
			if j.ctx.Err() != nil {
				j.setState(StateCancelled)
				p.log.Infof("job %s cancelled at frame %d", j.id, j.progress().CurrentFrame)
				return
			}
			if err := j.cfg.Renderer.RenderFrame(j.ctx, frame); err != nil {
				if j.ctx.Err() != nil {
					j.setState(StateCancelled)
					p.log.Infof("job %s cancelled at frame %d", j.id, j.progress().CurrentFrame)
					return
				}
				j.fail(fmt.Errorf("export: render frame: %w", err))
				p.log.Errorf("job %s failed: %v", j.id, err)
				return
			}
			j.advance()
		}
		if err := it.Err(); err != nil {
			j.fail(fmt.Errorf("export: decode: %w", err))
			p.log.Errorf("job %s failed: %v", j.id, err)
			return
		}
	}
	j.setState(StateCompleted)
	p.log.Infof("job %s completed (%d frames)", j.id, j.progress().CurrentFrame)
}

func (p *Pipeline) lookup(id string) (*job, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	j, ok := p.jobs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownJob, id)
	}
	return j, nil
}

// JobStatus returns the job's current lifecycle state.
func (p *Pipeline) JobStatus(id string) (JobState, error) {
	j, err := p.lookup(id)
	if err != nil {
		return "", err
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.state, nil
}

// JobError returns the error that failed the job, if any.
func (p *Pipeline) JobError(id string) (error, error) {
	j, err := p.lookup(id)
	if err != nil {
		return nil, err
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.err, nil
}

// JobProgress returns a polled progress snapshot.
func (p *Pipeline) JobProgress(id string) (Progress, error) {
	j, err := p.lookup(id)
	if err != nil {
		return Progress{}, err
	}
	return j.progress(), nil
}

// CancelJob stops future scheduling of work for the job. It reports
// whether a cancellation was actually issued (false for unknown ids
// and jobs already in a terminal state).
func (p *Pipeline) CancelJob(id string) bool {
	j, err := p.lookup(id)
	if err != nil {
		return false
	}
	j.mu.Lock()
	if j.state.Terminal() {
		j.mu.Unlock()
		return false
	}
	if j.state == StateQueued {
		// Never started: settle the state here; the worker bails out
		// when it picks the job up.
		j.state = StateCancelled
	}
	if j.paused {
		j.paused = false
		close(j.resume)
	}
	j.mu.Unlock()
	j.cancel()
	return true
}

// PauseJob suspends frame scheduling for a running job.
func (p *Pipeline) PauseJob(id string) bool {
	j, err := p.lookup(id)
	if err != nil {
		return false
	}
	return j.pause()
}

// ResumeJob resumes a paused job.
func (p *Pipeline) ResumeJob(id string) bool {
	j, err := p.lookup(id)
	if err != nil {
		return false
	}
	return j.unpause()
}

// Wait blocks until all created jobs reach a terminal state.
func (p *Pipeline) Wait() {
	_ = p.group.Wait() // workers never return errors; job failures land in job state
}

// Close cancels all jobs and waits for workers to drain.
func (p *Pipeline) Close() {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	p.cancel()
	_ = p.group.Wait()
}
