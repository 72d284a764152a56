package model

import "time"

// LookalikeStatus represents the current state of a lookalike job.
type LookalikeStatus string

const (
	LookalikeStatusPending  LookalikeStatus = "pending"
	LookalikeStatusMatching LookalikeStatus = "matching"
	LookalikeStatusTraining LookalikeStatus = "training"
	LookalikeStatusScoring  LookalikeStatus = "scoring"
	LookalikeStatusReady    LookalikeStatus = "ready"
	LookalikeStatusFailed   LookalikeStatus = "failed"
)

// transitions lists the allowed forward moves of the job state machine.
var transitions = map[LookalikeStatus][]LookalikeStatus{
	LookalikeStatusPending:  {LookalikeStatusMatching},
	LookalikeStatusMatching: {LookalikeStatusTraining, LookalikeStatusFailed},
	LookalikeStatusTraining: {LookalikeStatusScoring, LookalikeStatusFailed},
	LookalikeStatusScoring:  {LookalikeStatusReady, LookalikeStatusFailed},
}

// CanTransition reports whether a job may move from one status to another.
func CanTransition(from, to LookalikeStatus) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Terminal reports whether no further transitions are possible.
func (s LookalikeStatus) Terminal() bool {
	return s == LookalikeStatusReady || s == LookalikeStatusFailed
}

// SizeTier names a configured top-N audience size.
type SizeTier string

const (
	SizeTierSmall  SizeTier = "small"
	SizeTierMedium SizeTier = "medium"
	SizeTierLarge  SizeTier = "large"
)

// Valid reports whether t is a known tier.
func (t SizeTier) Valid() bool {
	switch t {
	case SizeTierSmall, SizeTierMedium, SizeTierLarge:
		return true
	default:
		return false
	}
}

// SignificantFields maps a feature category (e.g. "demographic") to the
// profile fields used as model features.
type SignificantFields map[string][]string

// Lookalike is a generation job.
type Lookalike struct {
	ID                string            `json:"id"`
	SourceID          string            `json:"source_id"`
	SizeTier          SizeTier          `json:"size_tier"`
	Status            LookalikeStatus   `json:"status"`
	FailureReason     string            `json:"failure_reason,omitempty"`
	SignificantFields SignificantFields `json:"significant_fields,omitempty"`
	CreatedAt         time.Time         `json:"created_at"`
	UpdatedAt         time.Time         `json:"updated_at"`
}

// LookalikeModel is the stored, serialized model of a job.
type LookalikeModel struct {
	LookalikeID string    `json:"lookalike_id"`
	Version     int       `json:"version"`
	Blob        []byte    `json:"-"`
	CreatedAt   time.Time `json:"created_at"`
}

// LookalikeScore is the predicted score of one profile for one job.
type LookalikeScore struct {
	LookalikeID string  `json:"lookalike_id"`
	ProfileID   int64   `json:"profile_id"`
	Score       float64 `json:"score"`
}

// LookalikePerson is one selected profile of a finished audience.
type LookalikePerson struct {
	LookalikeID string  `json:"lookalike_id"`
	ProfileID   int64   `json:"profile_id"`
	Rank        int     `json:"rank"`
	Score       float64 `json:"score"`
}

// Checkpoint is the committed scan watermark of a scoring run. Every profile
// with id <= LastProfileID has a recorded score.
type Checkpoint struct {
	LookalikeID    string    `json:"lookalike_id"`
	LastProfileID  int64     `json:"last_profile_id"`
	BlocksDone     int64     `json:"blocks_done"`
	ProfilesScored int64     `json:"profiles_scored"`
	UpdatedAt      time.Time `json:"updated_at"`
}
