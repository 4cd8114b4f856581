package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/semaphore"

	"mediagate/internal/observability"
	"mediagate/internal/server/database"
	"mediagate/internal/server/events"
	"mediagate/internal/server/keylock"
	"mediagate/internal/server/ledger"
	"mediagate/internal/server/policy"
	"mediagate/internal/server/transcoder"
)

var (
	ErrClosed      = errors.New("dispatcher is shut down")
	ErrJobNotFound = errors.New("job is not running")

	errCancelledByUser = errors.New("requested by user")
	errShuttingDown    = errors.New("server shutting down")
)

// Admitter decides whether a user may start a job.
type Admitter interface {
	Evaluate(ctx context.Context, userID string, fileSize int64, now time.Time) (policy.Decision, error)
}

// JobLedger is the part of the ledger the dispatcher drives.
type JobLedger interface {
	CreateJob(ctx context.Context, ownerID string, file ledger.FileRef, category database.Category, action string) (string, error)
	Transition(ctx context.Context, jobID string, to database.JobStatus, out ledger.Outcome) (*database.Job, error)
	Get(ctx context.Context, jobID string) (*database.Job, error)
}

// SettingsReader supplies the settings snapshot for a job.
type SettingsReader interface {
	Get(ctx context.Context, userID string) (database.UserSettings, error)
}

// Request is one inbound processing request.
type Request struct {
	UserID   string
	File     ledger.FileRef
	Category database.Category
	Action   string
}

// Result is the settled outcome of one job.
type Result struct {
	JobID     string
	Status    database.JobStatus
	OutputRef string
	Error     string
}

// Ticket tracks an admitted job until it settles.
type Ticket struct {
	JobID  string
	done   chan struct{}
	result Result
}

// Done is closed once the job is terminal and its pool slot is released.
func (t *Ticket) Done() <-chan struct{} {
	return t.done
}

// Wait blocks until the job settles or ctx ends. Giving up waiting does not
// cancel the job.
func (t *Ticket) Wait(ctx context.Context) (Result, error) {
	select {
	case <-t.done:
		return t.result, nil
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

type Options struct {
	PoolSize int
	Timeout  time.Duration
	Observer events.Observer
	// WriteRetry bounds how long a failed ledger write is retried.
	WriteRetry time.Duration
}

// Stats is a point-in-time view of pool usage.
type Stats struct {
	PoolSize int   `json:"pool_size"`
	Running  int64 `json:"running"`
	Waiting  int64 `json:"waiting"`
}

// Dispatcher admits requests and runs them on a bounded worker pool.
type Dispatcher struct {
	admit    Admitter
	ledger   JobLedger
	settings SettingsReader
	exec     transcoder.Executor
	observer events.Observer

	poolSize   int
	timeout    time.Duration
	writeRetry time.Duration
	retryDelay time.Duration
	sem        *semaphore.Weighted
	users      *keylock.Map

	baseCtx    context.Context
	cancelBase context.CancelCauseFunc

	// writesCtx stops ledger write retries on forced shutdown.
	writesCtx  context.Context
	stopWrites context.CancelCauseFunc

	mu      sync.Mutex
	closed  bool
	cancels map[string]context.CancelCauseFunc
	wg      sync.WaitGroup

	running atomic.Int64
	waiting atomic.Int64
	now     func() time.Time
}

func New(admit Admitter, jobs JobLedger, settings SettingsReader, exec transcoder.Executor, opts Options) *Dispatcher {
	if opts.PoolSize <= 0 {
		opts.PoolSize = 1
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Minute
	}
	if opts.Observer == nil {
		opts.Observer = events.ObserverFunc(func(events.Event) {})
	}
	if opts.WriteRetry <= 0 {
		opts.WriteRetry = 2 * time.Minute
	}
	base, cancel := context.WithCancelCause(context.Background())
	writes, stopWrites := context.WithCancelCause(context.Background())
	return &Dispatcher{
		admit:      admit,
		ledger:     jobs,
		settings:   settings,
		exec:       exec,
		observer:   opts.Observer,
		poolSize:   opts.PoolSize,
		timeout:    opts.Timeout,
		writeRetry: opts.WriteRetry,
		retryDelay: 100 * time.Millisecond,
		sem:        semaphore.NewWeighted(int64(opts.PoolSize)),
		users:      keylock.New(),
		baseCtx:    base,
		cancelBase: cancel,
		writesCtx:  writes,
		stopWrites: stopWrites,
		cancels:    make(map[string]context.CancelCauseFunc),
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// Submit validates the action, runs admission and records a pending job.
// Denials are returned as *policy.Denial. Execution continues in the
// background after Submit returns; ctx only bounds admission.
func (d *Dispatcher) Submit(ctx context.Context, req Request) (*Ticket, error) {
	ctx, span := observability.StartSpan(ctx, "dispatcher.submit",
		attribute.String("user.id", req.UserID),
		attribute.String("job.action", req.Action),
		attribute.Int64("file.size", req.File.Size),
	)
	defer span.End()

	if _, err := transcoder.ParseAction(req.Category, req.Action); err != nil {
		return nil, err
	}

	// Reserve the wait group slot first so Shutdown never misses a job.
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil, ErrClosed
	}
	d.wg.Add(1)
	d.mu.Unlock()

	jobID, err := d.admitAndCreate(ctx, req)
	if err != nil {
		d.wg.Done()
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(attribute.String("job.id", jobID))

	// The job must be cancellable before anyone hears it was admitted.
	jobCtx, cancel := context.WithCancelCause(d.baseCtx)
	d.mu.Lock()
	d.cancels[jobID] = cancel
	d.mu.Unlock()

	t := &Ticket{JobID: jobID, done: make(chan struct{})}
	d.publish(events.JobAdmitted, req, jobID, database.StatusPending, "", "")

	d.waiting.Add(1)
	go d.run(jobCtx, req, t)
	return t, nil
}

// admitAndCreate holds the user's admission lock so concurrent submissions
// cannot both pass the concurrency check.
func (d *Dispatcher) admitAndCreate(ctx context.Context, req Request) (string, error) {
	unlock := d.users.Lock(req.UserID)
	defer unlock()

	decision, err := d.admit.Evaluate(ctx, req.UserID, req.File.Size, d.now())
	if err != nil {
		return "", fmt.Errorf("%w: %w", database.ErrStoreUnavailable, err)
	}
	if !decision.Allowed {
		return "", decision.Err()
	}

	jobID, err := d.ledger.CreateJob(ctx, req.UserID, req.File, req.Category, req.Action)
	if err != nil {
		return "", fmt.Errorf("%w: %w", database.ErrStoreUnavailable, err)
	}
	return jobID, nil
}

func (d *Dispatcher) run(ctx context.Context, req Request, t *Ticket) {
	defer d.wg.Done()
	defer d.forget(t.JobID)

	ctx, span := observability.StartSpan(ctx, "dispatcher.run",
		attribute.String("job.id", t.JobID),
		attribute.String("job.action", req.Action),
	)
	defer span.End()

	// Ledger writes must land even when the job context is cancelled.
	writeCtx := context.WithoutCancel(ctx)

	if err := d.sem.Acquire(ctx, 1); err != nil {
		d.waiting.Add(-1)
		d.settle(writeCtx, req, t, Result{Status: database.StatusFailed, Error: cancelDetail(ctx)})
		return
	}
	d.waiting.Add(-1)
	d.running.Add(1)

	var once sync.Once
	release := func() {
		once.Do(func() {
			d.running.Add(-1)
			d.sem.Release(1)
		})
	}
	defer release()

	if _, err := d.commit(writeCtx, t.JobID, database.StatusProcessing, ledger.Outcome{}); err != nil {
		slog.Error("failed to start job", "job_id", t.JobID, "error", err)
		release()
		d.settle(writeCtx, req, t, Result{Status: database.StatusFailed, Error: "internal error"})
		return
	}
	d.publish(events.JobStarted, req, t.JobID, database.StatusProcessing, "", "")

	res := d.execute(ctx, req, t.JobID)
	if res.Status == database.StatusFailed {
		span.SetStatus(codes.Error, res.Error)
	}
	release()
	d.settle(writeCtx, req, t, res)
}

func (d *Dispatcher) execute(ctx context.Context, req Request, jobID string) Result {
	st, err := d.settings.Get(ctx, req.UserID)
	if err != nil {
		slog.Error("failed to load settings snapshot", "job_id", jobID, "error", err)
		if ctx.Err() != nil {
			return Result{Status: database.StatusFailed, Error: cancelDetail(ctx)}
		}
		return Result{Status: database.StatusFailed, Error: "internal error"}
	}

	execCtx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	start := time.Now()
	outputRef, err := d.exec.Execute(execCtx, transcoder.Task{
		JobID:    jobID,
		InputRef: req.File.InputRef,
		FileName: req.File.FileName,
		Category: req.Category,
		Action:   req.Action,
		Settings: st.Clone(),
	})
	switch {
	case err == nil:
		return Result{Status: database.StatusCompleted, OutputRef: outputRef}
	case ctx.Err() != nil:
		return Result{Status: database.StatusFailed, Error: cancelDetail(ctx)}
	case errors.Is(execCtx.Err(), context.DeadlineExceeded):
		slog.Warn("job timed out", "job_id", jobID, "timeout", d.timeout)
		return Result{Status: database.StatusFailed, Error: fmt.Sprintf("external tool timeout after %s", d.timeout)}
	default:
		slog.Warn("job failed", "job_id", jobID, "action", req.Action, "elapsed", time.Since(start), "error", err)
		return Result{Status: database.StatusFailed, Error: "external tool failure: " + err.Error()}
	}
}

// settle records the terminal state and then releases waiters. Waiters see
// what the ledger holds, never an outcome that was not stored.
func (d *Dispatcher) settle(ctx context.Context, req Request, t *Ticket, res Result) {
	out := ledger.Outcome{OutputRef: res.OutputRef, Error: res.Error}
	job, err := d.commit(ctx, t.JobID, res.Status, out)
	if errors.Is(err, ledger.ErrInvalidTransition) {
		// Someone else finished the job; report their outcome.
		if stored, getErr := d.ledger.Get(ctx, t.JobID); getErr == nil && stored.Status.Terminal() {
			job, err = stored, nil
		}
	}
	if err != nil {
		slog.Error("failed to settle job", "job_id", t.JobID, "status", res.Status, "error", err)
		res = Result{Status: database.StatusFailed, Error: "internal error"}
	} else {
		res = Result{Status: job.Status, OutputRef: job.OutputRef, Error: job.Error}
	}
	res.JobID = t.JobID

	typ := events.JobCompleted
	if res.Status == database.StatusFailed {
		typ = events.JobFailed
	}
	d.publish(typ, req, t.JobID, res.Status, res.OutputRef, res.Error)

	t.result = res
	close(t.done)
}

// commit applies a ledger transition, retrying store failures with
// exponential backoff until the write lands, the ledger rejects it, the
// retry budget runs out or the dispatcher is forced down.
func (d *Dispatcher) commit(ctx context.Context, jobID string, to database.JobStatus, out ledger.Outcome) (*database.Job, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = d.retryDelay
	b.MaxInterval = 5 * time.Second

	return backoff.Retry(d.writesCtx, func() (*database.Job, error) {
		job, err := d.ledger.Transition(ctx, jobID, to, out)
		if errors.Is(err, ledger.ErrInvalidTransition) || errors.Is(err, database.ErrJobNotFound) {
			return nil, backoff.Permanent(err)
		}
		return job, err
	},
		backoff.WithBackOff(b),
		backoff.WithMaxElapsedTime(d.writeRetry),
		backoff.WithNotify(func(err error, next time.Duration) {
			slog.Warn("retrying job write", "job_id", jobID, "status", to, "retry_in", next, "error", err)
		}),
	)
}

func (d *Dispatcher) publish(typ events.Type, req Request, jobID string, status database.JobStatus, outputRef, errDetail string) {
	d.observer.Notify(events.Event{
		Timestamp: d.now(),
		Type:      typ,
		JobID:     jobID,
		UserID:    req.UserID,
		Action:    req.Action,
		Status:    status,
		OutputRef: outputRef,
		Error:     errDetail,
	})
}

// Cancel stops a pending or processing job owned by this process.
func (d *Dispatcher) Cancel(jobID string) error {
	d.mu.Lock()
	cancel, ok := d.cancels[jobID]
	d.mu.Unlock()
	if !ok {
		return ErrJobNotFound
	}
	cancel(errCancelledByUser)
	return nil
}

func (d *Dispatcher) forget(jobID string) {
	d.mu.Lock()
	cancel, ok := d.cancels[jobID]
	delete(d.cancels, jobID)
	d.mu.Unlock()
	if ok {
		cancel(nil)
	}
}

func (d *Dispatcher) Stats() Stats {
	return Stats{
		PoolSize: d.poolSize,
		Running:  d.running.Load(),
		Waiting:  d.waiting.Load(),
	}
}

// Shutdown stops accepting work and waits for running jobs. When ctx ends
// first, the remaining jobs are cancelled and recorded as failed.
func (d *Dispatcher) Shutdown(ctx context.Context) error {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		d.cancelBase(errShuttingDown)
		d.stopWrites(errShuttingDown)
		return nil
	case <-ctx.Done():
		d.cancelBase(errShuttingDown)
		d.stopWrites(errShuttingDown)
		<-done
		return ctx.Err()
	}
}

func cancelDetail(ctx context.Context) string {
	cause := context.Cause(ctx)
	if cause == nil {
		cause = context.Canceled
	}
	return "cancelled: " + cause.Error()
}
