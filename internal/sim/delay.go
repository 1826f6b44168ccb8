package sim

import (
	"math/rand"
	"time"
)

// DelayModel produces the schedule deviation applied to one fix's virtual timestamp.
type DelayModel interface {
	Sample() time.Duration
}

type DelayOutcome struct {
	Probability float64
	Variation   time.Duration
}

// DefaultDelayOutcomes: mostly on time, occasional +2/+5 min, rarely a minute early.
var DefaultDelayOutcomes = []DelayOutcome{
	{Probability: 0.60, Variation: 0},
	{Probability: 0.20, Variation: 2 * time.Minute},
	{Probability: 0.15, Variation: 5 * time.Minute},
	{Probability: 0.05, Variation: -1 * time.Minute},
}

// CategoricalDelay draws one outcome by cumulative probability. Not safe for
// concurrent use; each engine owns its own.
type CategoricalDelay struct {
	outcomes []DelayOutcome
	rng      *rand.Rand
}

func NewCategoricalDelay(outcomes []DelayOutcome, rng *rand.Rand) *CategoricalDelay {
	if len(outcomes) == 0 {
		outcomes = DefaultDelayOutcomes
	}
	return &CategoricalDelay{outcomes: outcomes, rng: rng}
}

func (d *CategoricalDelay) Sample() time.Duration {
	r := d.rng.Float64()
	cum := 0.0
	for _, o := range d.outcomes {
		cum += o.Probability
		if r <= cum {
			return o.Variation
		}
	}
	return 0
}

// NoDelay always reports the nominal timestamp.
type NoDelay struct{}

func (NoDelay) Sample() time.Duration { return 0 }
