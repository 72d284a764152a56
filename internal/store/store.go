// Package store persists sources, lookalike jobs, their models, scores and
// final audiences.
package store

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/sells-group/lookalike/internal/model"
)

var (
	// ErrNotFound is returned when a source or lookalike does not exist.
	ErrNotFound = eris.New("store: not found")
	// ErrModelNotFound is returned by LoadModel before a model was saved.
	ErrModelNotFound = eris.New("store: model not found")
	// ErrModelExists is returned by SaveModel when the job already has a model.
	ErrModelExists = eris.New("store: model already exists")
	// ErrInvalidTransition is returned when a status update does not match
	// the job's current status, breaks the state machine, or moves to scoring
	// without a stored model.
	ErrInvalidTransition = eris.New("store: invalid status transition")
	// ErrNotReady is returned when reading the audience of an unfinished job.
	ErrNotReady = eris.New("store: lookalike not ready")
	// ErrSourceMatched is returned when replacing matches of a matched source.
	ErrSourceMatched = eris.New("store: source already matched")
)

// LookalikeFilter specifies criteria for listing lookalikes.
type LookalikeFilter struct {
	Status   model.LookalikeStatus `json:"status,omitempty"`
	SourceID string                `json:"source_id,omitempty"`
	Limit    int                   `json:"limit,omitempty"`
	Offset   int                   `json:"offset,omitempty"`
}

// SourceStore manages uploaded sources and their match results.
type SourceStore interface {
	CreateSource(ctx context.Context, owner string, domain model.Domain, rows []model.SourceRow) (*model.Source, error)
	GetSource(ctx context.Context, id string) (*model.Source, error)
	// ReplaceMatchedPersons swaps in the match result of a source and marks
	// it matched, in one transaction.
	ReplaceMatchedPersons(ctx context.Context, sourceID string, persons []model.MatchedPerson) error
	ListMatchedPersons(ctx context.Context, sourceID string) ([]model.MatchedPerson, error)
}

// LookalikeStore manages job records and their state machine.
type LookalikeStore interface {
	CreateLookalike(ctx context.Context, sourceID string, tier model.SizeTier, fields model.SignificantFields) (*model.Lookalike, error)
	GetLookalike(ctx context.Context, id string) (*model.Lookalike, error)
	ListLookalikes(ctx context.Context, filter LookalikeFilter) ([]model.Lookalike, error)
	// TransitionLookalike moves a job from one status to another only when
	// its current status equals from. A failure reason is recorded when to is
	// failed.
	TransitionLookalike(ctx context.Context, id string, from, to model.LookalikeStatus, reason string) error
}

// ModelStore persists one serialized model per job.
type ModelStore interface {
	SaveModel(ctx context.Context, lookalikeID string, version int, blob []byte) error
	LoadModel(ctx context.Context, lookalikeID string) (*model.LookalikeModel, error)
}

// ScoreStore persists population scores and the scan watermark.
type ScoreStore interface {
	// AppendScores inserts one block of scores in a single transaction.
	// Scores already present for a (job, profile) pair are kept, so
	// replaying a block is a no-op. It returns the number of new rows.
	AppendScores(ctx context.Context, lookalikeID string, scores []model.LookalikeScore) (int64, error)
	CountScores(ctx context.Context, lookalikeID string) (int64, error)
	// GetCheckpoint returns nil when scoring has not committed any block.
	GetCheckpoint(ctx context.Context, lookalikeID string) (*model.Checkpoint, error)
	SaveCheckpoint(ctx context.Context, cp model.Checkpoint) error
}

// AudienceStore builds and reads the final audience.
type AudienceStore interface {
	// FinalizeTopN ranks the scored profiles of a job that are not matched
	// into its source by score descending then profile id ascending, stores
	// the first n as the audience and moves the job from scoring to ready.
	// All of it happens in one transaction. It returns the audience size.
	FinalizeTopN(ctx context.Context, lookalikeID string, n int) (int, error)
	// ListLookalikePersons returns the audience in rank order, or
	// ErrNotReady unless the job is ready.
	ListLookalikePersons(ctx context.Context, lookalikeID string) ([]model.LookalikePerson, error)
}

// Store defines the persistence interface for the lookalike pipeline.
type Store interface {
	SourceStore
	LookalikeStore
	ModelStore
	ScoreStore
	AudienceStore

	// Lifecycle
	Ping(ctx context.Context) error
	Migrate(ctx context.Context) error
	Close() error
}

func checkTransition(id string, from, to model.LookalikeStatus) error {
	if !model.CanTransition(from, to) {
		return eris.Wrapf(ErrInvalidTransition, "lookalike %s: %s -> %s", id, from, to)
	}
	return nil
}
