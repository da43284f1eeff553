package uploads

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"uploadfinalizer/internal/ports"
	"uploadfinalizer/internal/retry"
)

// WorkerConfig tunes the claim loop and its retry envelopes. Grounded
// on the teacher's imaging.Service worker-pool configuration
// (internal/imaging/service.go), generalized from a fixed pool size to
// the spec's capacity/idle/drain polling model.
type WorkerConfig struct {
	Concurrency        int
	CapacityPollMs     int64
	DrainPollMs        int64
	LeaseDuration      time.Duration
	IdleBackoff        retry.BackoffPolicy
	JobRetryDelay      retry.BackoffPolicy
	MaxJobAttempts     int
	IORetryMaxAttempts int
	IORetryDelay       retry.BackoffPolicy
	IORetryMaxElapsed  time.Duration
}

// WorkerStats is a point-in-time snapshot for a /healthz handler.
type WorkerStats struct {
	Running              bool
	InFlight             int
	ConsecutiveIdlePolls int
}

// UploadFinalizationWorker is the concurrency coordinator: one
// long-lived claim loop, with each claimed job running as an
// independent goroutine up to Concurrency at a time.
type UploadFinalizationWorker struct {
	orchestrator *UploadOrchestrator
	jobs         *JobStore
	clock        ports.Clock
	cfg          WorkerConfig
	log          *slog.Logger

	mu                   sync.Mutex
	running              bool
	stopSignal           chan struct{}
	loopDone             chan struct{}
	inFlight             int32
	consecutiveIdlePolls int
}

func NewUploadFinalizationWorker(orchestrator *UploadOrchestrator, jobs *JobStore, clock ports.Clock, cfg WorkerConfig, log *slog.Logger) *UploadFinalizationWorker {
	return &UploadFinalizationWorker{
		orchestrator: orchestrator,
		jobs:         jobs,
		clock:        clock,
		cfg:          cfg,
		log:          log,
	}
}

// ioRetry wraps a single infrastructure call in the worker's one retry
// envelope. The orchestrator's own port calls are never retried
// internally — exactly one policy governs the external-call budget, at
// the boundary where the worker calls out to it. It is a free function,
// not a method, because Go forbids a generic method with type
// parameters beyond its receiver's.
func ioRetry[T any](ctx context.Context, cfg WorkerConfig, fn func(context.Context) (T, error)) (T, error) {
	return retry.Do(ctx, retry.Config{
		MaxAttempts: cfg.IORetryMaxAttempts,
		Delay:       cfg.IORetryDelay,
		MaxElapsed:  cfg.IORetryMaxElapsed,
	}, fn)
}

// Start launches the run loop in the background. Calling Start again
// after Stop has returned is legal.
func (w *UploadFinalizationWorker) Start() {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return
	}
	w.running = true
	w.stopSignal = make(chan struct{})
	w.loopDone = make(chan struct{})
	w.consecutiveIdlePolls = 0
	stopSignal := w.stopSignal
	loopDone := w.loopDone
	w.mu.Unlock()

	go func() {
		defer close(loopDone)
		w.runLoop(stopSignal)
	}()
}

// Stop clears running, interrupts any idle sleep, waits for the run
// loop to exit, then blocks until in-flight jobs drain or ctx is done,
// whichever comes first. No cancellation is injected into jobs already
// claimed: letting them finish preserves the state machine's
// consistency, at the cost of Stop potentially taking a while.
func (w *UploadFinalizationWorker) Stop(ctx context.Context) {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	close(w.stopSignal)
	loopDone := w.loopDone
	w.mu.Unlock()

	<-loopDone

	for {
		if atomic.LoadInt32(&w.inFlight) == 0 {
			return
		}
		select {
		case <-ctx.Done():
			return
		default:
			w.clock.Sleep(ctx, time.Duration(w.cfg.DrainPollMs)*time.Millisecond)
		}
	}
}

func (w *UploadFinalizationWorker) Stats() WorkerStats {
	w.mu.Lock()
	running := w.running
	idle := w.consecutiveIdlePolls
	w.mu.Unlock()
	return WorkerStats{Running: running, InFlight: int(atomic.LoadInt32(&w.inFlight)), ConsecutiveIdlePolls: idle}
}

func (w *UploadFinalizationWorker) isRunning() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.running
}

func (w *UploadFinalizationWorker) runLoop(stopSignal chan struct{}) {
	ctx := context.Background()
	for w.isRunning() {
		capacity := w.cfg.Concurrency - int(atomic.LoadInt32(&w.inFlight))
		if capacity <= 0 {
			w.clock.Sleep(ctx, time.Duration(w.cfg.CapacityPollMs)*time.Millisecond)
			continue
		}

		jobs, err := ioRetry(ctx, w.cfg, func(ctx context.Context) ([]FinalizeJob, error) {
			return w.jobs.ListDue(ctx, w.clock.Now(), capacity)
		})
		if err != nil {
			w.log.Warn("list due jobs failed, treating as idle tick", "error", err)
			jobs = nil
		}

		if len(jobs) == 0 {
			w.mu.Lock()
			w.consecutiveIdlePolls++
			idle := w.consecutiveIdlePolls
			w.mu.Unlock()

			delay := w.cfg.IdleBackoff.Delay(idle)
			w.sleepOrStop(delay, stopSignal)
			continue
		}

		w.mu.Lock()
		w.consecutiveIdlePolls = 0
		w.mu.Unlock()

		w.claimAndProcess(ctx, jobs)
	}
}

func (w *UploadFinalizationWorker) sleepOrStop(d time.Duration, stopSignal chan struct{}) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-stopSignal:
	}
}

// errClaimLost signals a fair claim loss (another worker won the CAS
// race), which must be skipped rather than retried.
var errClaimLost = fmt.Errorf("uploads: claim lost to another worker")

func (w *UploadFinalizationWorker) claimAndProcess(ctx context.Context, jobs []FinalizeJob) {
	for _, job := range jobs {
		if !w.isRunning() || int(atomic.LoadInt32(&w.inFlight)) >= w.cfg.Concurrency {
			break
		}

		claimed, err := retry.Do(ctx, retry.Config{
			MaxAttempts: w.cfg.IORetryMaxAttempts,
			Delay:       w.cfg.IORetryDelay,
			MaxElapsed:  w.cfg.IORetryMaxElapsed,
			IsRetryable: func(err error) bool { return !errors.Is(err, errClaimLost) },
		}, func(ctx context.Context) (FinalizeJob, error) {
			j, ok, err := w.jobs.TryClaim(ctx, job.ID, w.clock.Now(), w.cfg.LeaseDuration)
			if err != nil {
				return FinalizeJob{}, err
			}
			if !ok {
				return FinalizeJob{}, errClaimLost
			}
			return j, nil
		})
		if err != nil {
			if !errors.Is(err, errClaimLost) {
				w.log.Warn("claim failed, skipping job", "job_id", job.ID, "error", err)
			}
			continue
		}

		atomic.AddInt32(&w.inFlight, 1)
		go func(job FinalizeJob) {
			defer atomic.AddInt32(&w.inFlight, -1)
			w.processJob(context.Background(), job)
		}(claimed)
	}
}

func (w *UploadFinalizationWorker) processJob(ctx context.Context, job FinalizeJob) {
	log := w.log.With("job_id", job.ID, "upload_id", job.UploadID, "attempt", job.Attempt)

	result, err := ioRetry(ctx, w.cfg, func(ctx context.Context) (FinalizeResult, error) {
		return w.orchestrator.FinalizeUpload(ctx, job)
	})
	if err != nil {
		log.Warn("finalize failed after retry budget, rescheduling", "error", err)
		w.scheduleRetry(ctx, job, err.Error())
		return
	}

	switch result.Kind {
	case FinalizeFinalized, FinalizeAlreadyFinalized:
		if err := w.jobs.MarkCompleted(ctx, job.ID, w.clock.Now()); err != nil {
			log.Warn("mark-completed bookkeeping failed, relying on lease expiry", "error", err)
		}
	case FinalizeRetry:
		w.scheduleRetry(ctx, job, result.Reason)
	case FinalizeFailed:
		w.markPermanentlyFailed(ctx, job, result.Reason)
	case FinalizeNotFound:
		w.markPermanentlyFailed(ctx, job, "upload_not_found")
	}
}

func (w *UploadFinalizationWorker) scheduleRetry(ctx context.Context, job FinalizeJob, reason string) {
	if job.Attempt+1 > w.cfg.MaxJobAttempts {
		w.markPermanentlyFailed(ctx, job, "max_attempts_exceeded")
		return
	}
	now := w.clock.Now()
	nextRunAt := now.Add(w.cfg.JobRetryDelay.Delay(job.Attempt + 1))
	if err := w.jobs.Reschedule(ctx, job.ID, nextRunAt, now, reason); err != nil {
		w.log.Warn("reschedule bookkeeping failed, relying on lease expiry", "job_id", job.ID, "error", err)
	}
}

func (w *UploadFinalizationWorker) markPermanentlyFailed(ctx context.Context, job FinalizeJob, reason string) {
	if err := w.jobs.MarkFailed(ctx, job.ID, w.clock.Now(), reason); err != nil {
		w.log.Warn("mark-failed bookkeeping failed, relying on lease expiry", "job_id", job.ID, "error", err)
	}
	if err := w.orchestrator.FailUpload(ctx, job.UploadID, reason); err != nil {
		w.log.Warn("failed to transition upload to failed", "job_id", job.ID, "upload_id", job.UploadID, "error", err)
	}
}
