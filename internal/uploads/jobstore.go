package uploads

import (
	"context"
	"fmt"
	"sort"
	"time"

	"uploadfinalizer/internal/ports"
)

// JobStore is the durable, at-least-once queue of finalization jobs.
// Jobs are held in a CAS-backed store keyed by JobID; JobIndex is a
// plain (non-CAS) auxiliary list used only to accelerate ListDue, and
// is allowed to drift from the authoritative job records — every
// reader here tolerates both orphan directions.
type JobStore struct {
	jobs   ports.KeyValueStoreCas[FinalizeJob]
	index  ports.KeyValueStore[JobIndex]
	prefix string
}

func NewJobStore(jobs ports.KeyValueStoreCas[FinalizeJob], index ports.KeyValueStore[JobIndex], keyPrefix string) *JobStore {
	return &JobStore{jobs: jobs, index: index, prefix: keyPrefix}
}

func (s *JobStore) jobKey(id JobID) string {
	return fmt.Sprintf("%s/uploads/jobs/%s", s.prefix, id)
}

func (s *JobStore) indexKey() string {
	return fmt.Sprintf("%s/uploads/job-index/index", s.prefix)
}

func (s *JobStore) Get(ctx context.Context, id JobID) (FinalizeJob, bool, error) {
	res, err := s.jobs.Get(ctx, s.jobKey(id))
	if err != nil {
		return FinalizeJob{}, false, fmt.Errorf("uploads: get job %s: %w", id, err)
	}
	return res.Value, res.Found, nil
}

// Enqueue persists the job record, then appends its id to the index.
// The two writes are deliberately not atomic: a crash between them
// leaves an orphan record with no index entry, which is acceptable
// because the record (not the index) is authoritative.
func (s *JobStore) Enqueue(ctx context.Context, job FinalizeJob) error {
	if err := s.jobs.Set(ctx, s.jobKey(job.ID), job, 0); err != nil {
		return fmt.Errorf("uploads: enqueue job %s: %w", job.ID, err)
	}
	if err := s.appendToIndex(ctx, job.ID); err != nil {
		return fmt.Errorf("uploads: index job %s: %w", job.ID, err)
	}
	return nil
}

// ListDue returns up to limit jobs eligible for claim: pending jobs at
// or past their dispatch time, or running jobs whose lease has
// expired. Missing records referenced by the index (orphans) are
// silently skipped. Results are sorted by RunAt ascending as a
// fairness hint; the contract does not require this ordering.
func (s *JobStore) ListDue(ctx context.Context, now time.Time, limit int) ([]FinalizeJob, error) {
	indexRes, err := s.index.Get(ctx, s.indexKey())
	if err != nil {
		return nil, fmt.Errorf("uploads: read job index: %w", err)
	}
	if !indexRes.Found || len(indexRes.Value.JobIDs) == 0 {
		return nil, nil
	}

	keys := make([]string, len(indexRes.Value.JobIDs))
	for i, id := range indexRes.Value.JobIDs {
		keys[i] = s.jobKey(id)
	}
	records, err := s.jobs.GetMany(ctx, keys)
	if err != nil {
		return nil, fmt.Errorf("uploads: batch-read indexed jobs: %w", err)
	}

	due := make([]FinalizeJob, 0, len(records))
	for _, job := range records {
		if (job.Status == JobPending || job.Status == JobRunning) && !job.RunAt.After(now) {
			due = append(due, job)
		}
	}

	sort.Slice(due, func(i, j int) bool { return due[i].RunAt.Before(due[j].RunAt) })

	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

// TryClaim atomically claims a pending-or-lease-expired job, setting
// Status=running and RunAt=at+leaseDuration. Returns found=false when
// the job does not exist, is ineligible, or another claimant won the
// CAS race first.
func (s *JobStore) TryClaim(ctx context.Context, id JobID, at time.Time, leaseDuration time.Duration) (FinalizeJob, bool, error) {
	versioned, err := s.jobs.GetVersioned(ctx, s.jobKey(id))
	if err != nil {
		return FinalizeJob{}, false, fmt.Errorf("uploads: try-claim read %s: %w", id, err)
	}
	if !versioned.Found {
		return FinalizeJob{}, false, nil
	}
	current := versioned.Value
	eligible := current.Status == JobPending || (current.Status == JobRunning && !current.RunAt.After(at))
	if !eligible {
		return FinalizeJob{}, false, nil
	}

	next := current
	next.Status = JobRunning
	next.UpdatedAt = at
	next.RunAt = at.Add(leaseDuration)

	res, err := s.jobs.SetIfVersion(ctx, s.jobKey(id), next, versioned.Version, 0)
	if err != nil {
		return FinalizeJob{}, false, fmt.Errorf("uploads: try-claim cas %s: %w", id, err)
	}
	if res.Kind != ports.CasWritten {
		return FinalizeJob{}, false, nil
	}
	return next, true, nil
}

// MarkCompleted and MarkFailed are silent no-ops on a missing id,
// which keeps them idempotent under at-least-once delivery.
func (s *JobStore) MarkCompleted(ctx context.Context, id JobID, at time.Time) error {
	return s.finishTerminal(ctx, id, func(job *FinalizeJob) {
		job.Status = JobCompleted
		job.UpdatedAt = at
	})
}

func (s *JobStore) MarkFailed(ctx context.Context, id JobID, at time.Time, reason string) error {
	return s.finishTerminal(ctx, id, func(job *FinalizeJob) {
		job.Status = JobFailed
		job.LastError = reason
		job.UpdatedAt = at
	})
}

func (s *JobStore) finishTerminal(ctx context.Context, id JobID, mutate func(*FinalizeJob)) error {
	res, err := s.jobs.Get(ctx, s.jobKey(id))
	if err != nil {
		return fmt.Errorf("uploads: terminal-mark read %s: %w", id, err)
	}
	if !res.Found {
		return nil
	}
	job := res.Value
	mutate(&job)
	if err := s.jobs.Set(ctx, s.jobKey(id), job, 0); err != nil {
		return fmt.Errorf("uploads: terminal-mark write %s: %w", id, err)
	}
	return s.removeFromIndex(ctx, id)
}

// Reschedule requires the job still exist; it rewrites it pending at a
// new RunAt without touching the index.
func (s *JobStore) Reschedule(ctx context.Context, id JobID, nextRunAt time.Time, at time.Time, lastError string) error {
	res, err := s.jobs.Get(ctx, s.jobKey(id))
	if err != nil {
		return fmt.Errorf("uploads: reschedule read %s: %w", id, err)
	}
	if !res.Found {
		return fmt.Errorf("uploads: reschedule %s: job does not exist", id)
	}
	job := res.Value
	job.Status = JobPending
	job.Attempt++
	job.RunAt = nextRunAt
	job.UpdatedAt = at
	if lastError != "" {
		job.LastError = lastError
	}
	if err := s.jobs.Set(ctx, s.jobKey(id), job, 0); err != nil {
		return fmt.Errorf("uploads: reschedule write %s: %w", id, err)
	}
	return nil
}

func (s *JobStore) appendToIndex(ctx context.Context, id JobID) error {
	res, err := s.index.Get(ctx, s.indexKey())
	if err != nil {
		return err
	}
	next := make([]JobID, len(res.Value.JobIDs), len(res.Value.JobIDs)+1)
	copy(next, res.Value.JobIDs)
	next = append(next, id)
	return s.index.Set(ctx, s.indexKey(), JobIndex{JobIDs: next}, 0)
}

func (s *JobStore) removeFromIndex(ctx context.Context, id JobID) error {
	res, err := s.index.Get(ctx, s.indexKey())
	if err != nil {
		return err
	}
	if !res.Found {
		return nil
	}
	filtered := make([]JobID, 0, len(res.Value.JobIDs))
	for _, existing := range res.Value.JobIDs {
		if existing != id {
			filtered = append(filtered, existing)
		}
	}
	return s.index.Set(ctx, s.indexKey(), JobIndex{JobIDs: filtered}, 0)
}
