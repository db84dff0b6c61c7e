package history

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/nerrad567/printbridge/internal/device"
)

// Recorder defaults.
const (
	defaultQueueSize = 64

	// drainTimeout bounds the writes still queued at shutdown.
	drainTimeout = 5 * time.Second
)

// Logger interface for optional logging.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// RecorderOptions configures a Recorder.
type RecorderOptions struct {
	Repository Repository

	// Clock defaults to the real clock.
	Clock clockwork.Clock

	// QueueSize bounds writes waiting for Run. Defaults to 64.
	QueueSize int

	Logger Logger
}

type opKind int

const (
	opStart opKind = iota
	opFinish
)

type op struct {
	kind opKind
	job  Job
}

// current is the job being tracked. Owned by the Observe caller.
type current struct {
	job         Job
	pausedSince time.Time
}

// Recorder turns print status transitions into job history rows.
//
// Observe runs on the reconciler's goroutine and only queues writes; Run
// performs them. If the queue is full the write is dropped and counted.
type Recorder struct {
	repo   Repository
	clock  clockwork.Clock
	logger Logger
	ops    chan op

	last    device.PrintStatus
	current *current

	dropped atomic.Uint64
}

// NewRecorder creates a recorder. Register it with the reconciler as an
// observer and start Run.
func NewRecorder(opts RecorderOptions) *Recorder {
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = defaultQueueSize
	}
	if opts.Logger == nil {
		opts.Logger = noopLogger{}
	}
	return &Recorder{
		repo:   opts.Repository,
		clock:  opts.Clock,
		logger: opts.Logger,
		ops:    make(chan op, opts.QueueSize),
		last:   device.PrintUnknown,
	}
}

// Dropped returns how many writes were lost to a full queue.
func (r *Recorder) Dropped() uint64 {
	return r.dropped.Load()
}

// Observe implements device.Observer.
func (r *Recorder) Observe(cs device.ChangeSet, snapshot *device.State) {
	if snapshot == nil {
		return
	}
	if r.current != nil && snapshot.Job != nil {
		r.current.track(snapshot.Job)
	}
	if !cs.Has(device.PathPrintStatus) {
		return
	}

	prev, next := r.last, snapshot.PrintStatus
	r.last = next
	at := cs.At

	switch {
	case next.Active() && !prev.Active():
		r.start(at, snapshot.Job)
	case r.current == nil:
		return
	case next == device.PrintPaused:
		r.current.pausedSince = at
	case prev == device.PrintPaused && next.Active():
		r.current.resume(at)
	case !next.Active():
		r.finish(at, finalStatus(next))
	}
}

func (r *Recorder) start(at time.Time, job *device.Job) {
	if r.current != nil {
		r.finish(at, StatusCancelled)
	}
	r.current = &current{job: Job{
		ID:        uuid.NewString(),
		Status:    StatusInProgress,
		StartTime: at,
	}}
	if job != nil {
		r.current.track(job)
	}
	r.logger.Info("job started", "job_id", r.current.job.ID, "filename", r.current.job.Filename)
	r.enqueue(op{kind: opStart, job: r.current.job})
}

func (r *Recorder) finish(at time.Time, status Status) {
	c := r.current
	r.current = nil
	c.resume(at)

	job := c.job
	job.Status = status
	job.EndTime = &at
	job.TotalDuration = max(at.Sub(job.StartTime), 0)
	job.PrintDuration = max(job.TotalDuration-job.PausedDuration, 0)

	r.logger.Info("job finished",
		"job_id", job.ID,
		"filename", job.Filename,
		"status", job.Status,
		"duration", job.TotalDuration,
	)
	r.enqueue(op{kind: opFinish, job: job})
}

func (r *Recorder) enqueue(o op) {
	select {
	case r.ops <- o:
	default:
		r.dropped.Add(1)
		r.logger.Warn("history queue full, dropping write", "job_id", o.job.ID)
	}
}

// Run closes jobs interrupted by a previous shutdown, then performs queued
// writes until ctx is cancelled. Writes still queued at cancellation are
// flushed with a short timeout.
func (r *Recorder) Run(ctx context.Context) error {
	if n, err := r.repo.MarkInterrupted(ctx, r.clock.Now()); err != nil {
		r.logger.Error("marking interrupted jobs failed", "error", err)
	} else if n > 0 {
		r.logger.Warn("jobs interrupted by restart", "count", n)
	}

	for {
		select {
		case <-ctx.Done():
			r.drain(ctx)
			return nil
		case o := <-r.ops:
			r.write(ctx, o)
		}
	}
}

func (r *Recorder) drain(ctx context.Context) {
	dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), drainTimeout)
	defer cancel()
	for {
		select {
		case o := <-r.ops:
			r.write(dctx, o)
		default:
			return
		}
	}
}

func (r *Recorder) write(ctx context.Context, o op) {
	var err error
	switch o.kind {
	case opStart:
		err = r.repo.Start(ctx, &o.job)
	case opFinish:
		err = r.repo.Finish(ctx, &o.job)
	}
	if err != nil {
		r.logger.Error("writing job history failed", "job_id", o.job.ID, "error", err)
	}
}

func (c *current) track(job *device.Job) {
	if job.Filename != "" {
		c.job.Filename = job.Filename
	}
	if job.TotalLayers > 0 {
		c.job.TotalLayers = job.TotalLayers
	}
	c.job.Progress = job.ProgressPercent
}

func (c *current) resume(at time.Time) {
	if c.pausedSince.IsZero() {
		return
	}
	c.job.PausedDuration += max(at.Sub(c.pausedSince), 0)
	c.pausedSince = time.Time{}
}

// finalStatus maps the state a job ended in to its recorded outcome. Dropping
// back to ready without a terminal state means the print was abandoned.
func finalStatus(s device.PrintStatus) Status {
	switch s {
	case device.PrintComplete:
		return StatusCompleted
	case device.PrintError:
		return StatusError
	default:
		return StatusCancelled
	}
}
