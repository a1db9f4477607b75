// Package srs implements SM-2 spaced-repetition scheduling: a pure,
// deterministic update of an item's review state given a 0-5 quality score,
// plus a store-backed service that persists the trajectory and its
// append-only audit log.
package srs

import (
	"math"
	"time"

	"github.com/rvidal/preceptor/pkg/schema"
)

// Review applies one SM-2 review to the item and returns the updated item
// together with the immutable log entry capturing the post-update values.
// The input item is not mutated. The log entry's Sequence is assigned by
// the store on append.
func Review(item schema.ReviewItem, quality int, now time.Time) (schema.ReviewItem, schema.ReviewLogEntry, error) {
	if quality < schema.QualityMin || quality > schema.QualityMax {
		return schema.ReviewItem{}, schema.ReviewLogEntry{}, schema.NewErrorf(
			schema.ErrCodeInvalidInput, "quality score %d out of range [%d, %d]",
			quality, schema.QualityMin, schema.QualityMax)
	}

	updated := item

	if quality < schema.QualityPassing {
		// Failed recall resets the schedule.
		updated.Repetition = 0
		updated.IntervalDays = 0
	} else {
		switch updated.Repetition {
		case 0:
			updated.IntervalDays = 1
		case 1:
			updated.IntervalDays = 6
		default:
			updated.IntervalDays = int(math.Round(float64(updated.IntervalDays) * updated.EaseFactor))
		}
		updated.Repetition++
	}

	// Ease factor is adjusted on every review, pass or fail.
	ef := updated.EaseFactor + (0.1 - float64(schema.QualityMax-quality)*0.08)
	updated.EaseFactor = math.Max(schema.MinEaseFactor, ef)

	updated.NextReviewAt = now.AddDate(0, 0, updated.IntervalDays)

	entry := schema.ReviewLogEntry{
		ItemID:            updated.ItemID,
		OwnerID:           updated.OwnerID,
		ReviewedAt:        now,
		Quality:           quality,
		EaseFactorAfter:   updated.EaseFactor,
		IntervalDaysAfter: updated.IntervalDays,
		RepetitionAfter:   updated.Repetition,
	}
	return updated, entry, nil
}

// Rebuild replays an item's review log in sequence order and reconstructs
// its scheduling state from scratch. The log is the authoritative audit
// trail; Rebuild exists to verify or recover the materialized item.
func Rebuild(itemID, ownerID string, createdAt time.Time, log []*schema.ReviewLogEntry) (schema.ReviewItem, error) {
	item := *schema.NewReviewItem(itemID, ownerID, createdAt)
	for _, entry := range log {
		updated, _, err := Review(item, entry.Quality, entry.ReviewedAt)
		if err != nil {
			return schema.ReviewItem{}, err
		}
		item = updated
	}
	return item, nil
}
