// Package market defines the shape of a prediction-market question as the
// engine consumes it. Market discovery and URL parsing are out of scope;
// this package only carries the data the rest of the engine depends on.
package market

import "time"

// Descriptor is the immutable input to a pipeline run.
type Descriptor struct {
	Slug     string    `json:"slug"`
	Question string    `json:"question"`
	YesOdds  float64   `json:"yes_odds"` // in [0,1]
	Volume   float64   `json:"volume,omitempty"`
	EndDate  time.Time `json:"end_date,omitempty"`
}

// Valid reports whether the descriptor satisfies the engine's input
// contract. It does not validate market-source-specific fields.
func (d Descriptor) Valid() bool {
	if d.Slug == "" || d.Question == "" {
		return false
	}
	return d.YesOdds >= 0 && d.YesOdds <= 1
}
