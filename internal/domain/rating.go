package domain

import (
	"errors"
	"math"
)

// RatingRequest is a queued reputation submission from rater about target
type RatingRequest struct {
	ID     string  `json:"-"`
	Target string  `json:"target"`
	Rater  string  `json:"rater"`
	Stars  float64 `json:"stars"`
}

// Validate ensures the request can be applied
func (r *RatingRequest) Validate() error {
	if r.Target == "" || r.Rater == "" {
		return errors.New("rating target and rater are required")
	}
	if r.Target == r.Rater {
		return errors.New("accounts cannot rate themselves")
	}
	if math.IsNaN(r.Stars) || r.Stars < MinStars || r.Stars > MaxStars {
		return errors.New("rating stars must be between 1 and 5")
	}
	return nil
}
