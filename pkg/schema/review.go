package schema

import "time"

// Quality score bounds for a recall rating (SM-2).
const (
	QualityMin = 0
	QualityMax = 5
	// QualityPassing is the lowest score counted as successful recall.
	QualityPassing = 3
)

// Default scheduling state for an item that has never been reviewed.
const (
	DefaultEaseFactor = 2.5
	MinEaseFactor     = 1.3
)

// ReviewItem is the scheduling state of one reviewable item for one learner.
// Items are never deleted; each review supersedes the previous state and the
// full trajectory is recoverable from the review log.
type ReviewItem struct {
	ItemID       string    `json:"item_id"`
	OwnerID      string    `json:"owner_id"`
	Repetition   int       `json:"repetition_number"`
	EaseFactor   float64   `json:"ease_factor"`
	IntervalDays int       `json:"interval_days"`
	NextReviewAt time.Time `json:"next_review_at"`
	Version      int64     `json:"version"`
}

// NewReviewItem creates an unreviewed item with the SM-2 initial state.
func NewReviewItem(itemID, ownerID string, now time.Time) *ReviewItem {
	return &ReviewItem{
		ItemID:       itemID,
		OwnerID:      ownerID,
		Repetition:   0,
		EaseFactor:   DefaultEaseFactor,
		IntervalDays: 0,
		NextReviewAt: now,
	}
}

// ReviewLogEntry is the immutable audit record of a single review.
// Entries are append-only; Sequence is assigned by the store per item.
type ReviewLogEntry struct {
	ID                string    `json:"id"`
	ItemID            string    `json:"item_id"`
	OwnerID           string    `json:"owner_id"`
	ReviewedAt        time.Time `json:"reviewed_at"`
	Quality           int       `json:"quality_score"`
	EaseFactorAfter   float64   `json:"ease_factor_after"`
	IntervalDaysAfter int       `json:"interval_days_after"`
	RepetitionAfter   int       `json:"repetition_number_after"`
	Sequence          int64     `json:"sequence"`
}
