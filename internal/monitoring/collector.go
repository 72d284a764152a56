package monitoring

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/lookalike/internal/model"
	"github.com/sells-group/lookalike/internal/store"
)

const pageSize = 500

// Lister is the slice of the job store the collector reads.
type Lister interface {
	ListLookalikes(ctx context.Context, filter store.LookalikeFilter) ([]model.Lookalike, error)
	GetCheckpoint(ctx context.Context, lookalikeID string) (*model.Checkpoint, error)
}

// Snapshot holds job health over a lookback window.
type Snapshot struct {
	Ready         int       `json:"ready"`
	Failed        int       `json:"failed"`
	FailRate      float64   `json:"fail_rate"`
	InFlight      int       `json:"in_flight"`
	Stalled       int       `json:"stalled"`
	StalledIDs    []string  `json:"stalled_ids,omitempty"`
	LookbackHours int       `json:"lookback_hours"`
	CollectedAt   time.Time `json:"collected_at"`
}

// Finished returns the number of jobs that reached a terminal state in the
// window.
func (s *Snapshot) Finished() int {
	return s.Ready + s.Failed
}

// Collector gathers job health from the store.
type Collector struct {
	store Lister
	now   func() time.Time
}

// NewCollector creates a Collector.
func NewCollector(st Lister) *Collector {
	return &Collector{store: st, now: time.Now}
}

// Collect counts jobs finished within lookbackHours and every in-flight job.
// In-flight jobs not updated for stallAfter are reported as stalled; a zero
// stallAfter disables stall detection.
func (c *Collector) Collect(ctx context.Context, lookbackHours int, stallAfter time.Duration) (*Snapshot, error) {
	if lookbackHours <= 0 {
		lookbackHours = 24
	}
	now := c.now().UTC()
	cutoff := now.Add(-time.Duration(lookbackHours) * time.Hour)

	snap := &Snapshot{LookbackHours: lookbackHours, CollectedAt: now}

	for _, status := range []model.LookalikeStatus{model.LookalikeStatusReady, model.LookalikeStatusFailed} {
		n := 0
		err := c.each(ctx, status, func(lk model.Lookalike) {
			if !lk.UpdatedAt.Before(cutoff) {
				n++
			}
		})
		if err != nil {
			return nil, err
		}
		if status == model.LookalikeStatusReady {
			snap.Ready = n
		} else {
			snap.Failed = n
		}
	}
	if finished := snap.Finished(); finished > 0 {
		snap.FailRate = float64(snap.Failed) / float64(finished)
	}

	inFlight := []model.LookalikeStatus{
		model.LookalikeStatusPending,
		model.LookalikeStatusMatching,
		model.LookalikeStatusTraining,
		model.LookalikeStatusScoring,
	}
	var jobs []model.Lookalike
	for _, status := range inFlight {
		err := c.each(ctx, status, func(lk model.Lookalike) {
			jobs = append(jobs, lk)
		})
		if err != nil {
			return nil, err
		}
	}
	snap.InFlight = len(jobs)
	if stallAfter <= 0 {
		return snap, nil
	}

	for _, lk := range jobs {
		last, err := c.lastProgress(ctx, lk)
		if err != nil {
			return nil, err
		}
		if now.Sub(last) > stallAfter {
			snap.Stalled++
			snap.StalledIDs = append(snap.StalledIDs, lk.ID)
		}
	}
	return snap, nil
}

// lastProgress returns when a job last moved. Scoring advances its
// checkpoint without touching the job row.
func (c *Collector) lastProgress(ctx context.Context, lk model.Lookalike) (time.Time, error) {
	if lk.Status != model.LookalikeStatusScoring {
		return lk.UpdatedAt, nil
	}
	cp, err := c.store.GetCheckpoint(ctx, lk.ID)
	if err != nil {
		return time.Time{}, eris.Wrapf(err, "monitoring: checkpoint of %s", lk.ID)
	}
	if cp != nil && cp.UpdatedAt.After(lk.UpdatedAt) {
		return cp.UpdatedAt, nil
	}
	return lk.UpdatedAt, nil
}

// each pages through every job in status.
func (c *Collector) each(ctx context.Context, status model.LookalikeStatus, fn func(model.Lookalike)) error {
	for offset := 0; ; offset += pageSize {
		page, err := c.store.ListLookalikes(ctx, store.LookalikeFilter{
			Status: status,
			Limit:  pageSize,
			Offset: offset,
		})
		if err != nil {
			return eris.Wrapf(err, "monitoring: list %s jobs", status)
		}
		for _, lk := range page {
			fn(lk)
		}
		if len(page) < pageSize {
			return nil
		}
	}
}
