package extract

import (
	"fmt"

	"github.com/instill-ai/healthrecord-backend/pkg/errors"
)

// DefaultQualityRatio is the minimum share of non-empty pages.
const DefaultQualityRatio = 0.3

// Quality summarizes how much of a document produced text.
type Quality struct {
	NonEmptyPages int `json:"non_empty_pages"`
	TotalPages    int `json:"total_pages"`
}

// Ratio returns the share of non-empty pages, 0 for an empty document.
func (q Quality) Ratio() float64 {
	if q.TotalPages == 0 {
		return 0
	}
	return float64(q.NonEmptyPages) / float64(q.TotalPages)
}

// CheckQuality fails when no page produced text or the share of non-empty
// pages is below ratio.
func CheckQuality(q Quality, ratio float64) error {
	if q.NonEmptyPages == 0 || q.Ratio() < ratio {
		return fmt.Errorf("%d of %d pages have text: %w", q.NonEmptyPages, q.TotalPages, errors.ErrQualityGate)
	}
	return nil
}
