// Package memory implements the forgetting-curve knowledge base: entries
// decay exponentially unless reinforced, link to each other through keyword,
// co-task, temporal and semantic associations, and are retrieved by keyword
// overlap combined with activation spreading across the association graph.
package memory

import (
	"math"
	"time"
)

// Category classifies what kind of knowledge an entry carries.
type Category string

const (
	CategoryPattern    Category = "pattern"
	CategoryLesson     Category = "lesson"
	CategoryPreference Category = "preference"
	CategoryPitfall    Category = "pitfall"
	CategoryTool       Category = "tool"
)

// IsValid reports whether the category is one of the known kinds.
func (c Category) IsValid() bool {
	switch c {
	case CategoryPattern, CategoryLesson, CategoryPreference, CategoryPitfall, CategoryTool:
		return true
	default:
		return false
	}
}

// Source records where an entry came from.
type Source struct {
	Type   string `json:"type"` // task, manual or chat
	TaskID string `json:"taskId,omitempty"`
	ChatID string `json:"chatId,omitempty"`
}

// Association kinds.
const (
	AssocKeyword  = "keyword"
	AssocCoTask   = "co-task"
	AssocTemporal = "temporal"
	AssocSemantic = "semantic"
)

// Association is a weighted directed edge to another entry.
type Association struct {
	TargetID string  `json:"targetId"`
	Weight   float64 `json:"weight"`
	Type     string  `json:"type"`
}

// Entry is one memory with its forgetting-model state. Strength is derived
// from the decay curve on read; the persisted value is only the snapshot at
// the last write.
type Entry struct {
	ID          string    `json:"id"`
	Content     string    `json:"content"`
	Category    Category  `json:"category"`
	Keywords    []string  `json:"keywords"`
	Source      Source    `json:"source"`
	Confidence  float64   `json:"confidence"`
	AccessCount int       `json:"accessCount"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`

	Strength         float64       `json:"strength"`
	StabilityHours   float64       `json:"stabilityHours"`
	LastReinforcedAt time.Time     `json:"lastReinforcedAt"`
	ReinforceCount   int           `json:"reinforceCount"`
	DecayRate        float64       `json:"decayRate"`
	Archived         bool          `json:"archived,omitempty"`
	Associations     []Association `json:"associations,omitempty"`
}

// Forgetting-model defaults, applied to entries written before the decay
// fields existed.
const (
	DefaultStabilityHours = 24.0
	DefaultDecayRate      = 1.0
	DefaultMaxStability   = 8760.0 // one year
)

// normalize migrates legacy entries to the forgetting model.
func (e *Entry) normalize(defaultStability, defaultDecay float64) {
	if defaultStability <= 0 {
		defaultStability = DefaultStabilityHours
	}
	if defaultDecay <= 0 {
		defaultDecay = DefaultDecayRate
	}
	if e.StabilityHours <= 0 {
		e.StabilityHours = defaultStability
	}
	if e.DecayRate <= 0 {
		e.DecayRate = defaultDecay
	}
	if e.LastReinforcedAt.IsZero() {
		e.LastReinforcedAt = e.UpdatedAt
		if e.LastReinforcedAt.IsZero() {
			e.LastReinforcedAt = e.CreatedAt
		}
		if !e.Archived {
			e.Strength = 100
		}
	}
}

// StrengthAt computes recall strength at time t: 100·exp(−Δt/(stability/
// decayRate)), rounded and clamped to [0,100]. A freshly reinforced entry is
// at 100; archived entries stay at 0 until reinforced.
func (e *Entry) StrengthAt(t time.Time) float64 {
	if e.Archived {
		return 0
	}
	dt := t.Sub(e.LastReinforcedAt).Hours()
	if dt <= 0 {
		return 100
	}
	if e.DecayRate <= 0 {
		return 100
	}
	tau := e.StabilityHours / e.DecayRate
	if tau <= 0 {
		return 0
	}
	s := math.Round(100 * math.Exp(-dt/tau))
	return math.Max(0, math.Min(100, s))
}

// ReinforceSource names the ways an entry gets reinforced, each with its own
// stability multiplier.
type ReinforceSource string

const (
	ReinforceRetrieve       ReinforceSource = "retrieve"
	ReinforceTaskSuccess    ReinforceSource = "task_success"
	ReinforceTaskFailure    ReinforceSource = "task_failure"
	ReinforceManualReview   ReinforceSource = "manual_review"
	ReinforceAssociationHit ReinforceSource = "association_hit"
)

var reinforceFactors = map[ReinforceSource]float64{
	ReinforceRetrieve:       1.2,
	ReinforceTaskSuccess:    2.0,
	ReinforceTaskFailure:    0.8,
	ReinforceManualReview:   1.5,
	ReinforceAssociationHit: 1.1,
}

// Reinforce scales stability by the source factor (capped at maxStability
// hours), resets the decay clock and revives archived entries. High
// confidence slows future decay, low confidence speeds it, and pitfalls
// decay a little slower so hard-won warnings stick around.
func (e *Entry) Reinforce(source ReinforceSource, maxStabilityHours float64, now time.Time) {
	factor, ok := reinforceFactors[source]
	if !ok {
		factor = 1.0
	}
	if maxStabilityHours <= 0 {
		maxStabilityHours = DefaultMaxStability
	}
	e.StabilityHours *= factor
	if e.StabilityHours > maxStabilityHours {
		e.StabilityHours = maxStabilityHours
	}

	switch {
	case e.Confidence >= 0.7:
		e.DecayRate *= 0.7
	case e.Confidence <= 0.3:
		e.DecayRate *= 1.3
	}
	if e.Category == CategoryPitfall {
		e.DecayRate *= 0.9
	}

	e.LastReinforcedAt = now
	e.ReinforceCount++
	e.Strength = 100
	e.Archived = false
	e.UpdatedAt = now
}
