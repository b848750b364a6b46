package registry

import (
	"fmt"
	"math/rand"
	"sort"
	"sync"

	"lotpilot/internal/models"
)

// Strategy names a pattern selection policy.
type Strategy string

const (
	StrategyPriority   Strategy = "priority"
	StrategyWeighted   Strategy = "weighted"
	StrategyRoundRobin Strategy = "round_robin"
	StrategyRandom     Strategy = "random"
)

// ValidStrategy reports whether s names a known selection policy.
func ValidStrategy(s Strategy) bool {
	switch s {
	case StrategyPriority, StrategyWeighted, StrategyRoundRobin, StrategyRandom:
		return true
	}
	return false
}

// selector picks one pattern from a container's active set. It keeps the
// per-container round-robin cursors and the shared RNG.
type selector struct {
	mu         sync.Mutex
	rrCursors  map[uint]int
	rnd        *rand.Rand
	randomBias float64
}

func newSelector(seed int64, randomBias float64) *selector {
	return &selector{
		rrCursors:  make(map[uint]int),
		rnd:        rand.New(rand.NewSource(seed)),
		randomBias: randomBias,
	}
}

// pick selects one pattern from the candidates. Candidates must already be
// filtered to the container's active patterns. With a single candidate every
// strategy short-circuits to it.
func (s *selector) pick(containerID uint, candidates []models.Pattern, strategy Strategy) (*models.Pattern, error) {
	if len(candidates) == 0 {
		return nil, fmt.Errorf("no active patterns to select from")
	}
	if len(candidates) == 1 {
		return &candidates[0], nil
	}

	switch strategy {
	case StrategyPriority, "":
		return pickPriority(candidates), nil
	case StrategyWeighted:
		return s.pickWeighted(candidates), nil
	case StrategyRoundRobin:
		return s.pickRoundRobin(containerID, candidates), nil
	case StrategyRandom:
		return s.pickRandom(candidates), nil
	default:
		return nil, fmt.Errorf("unknown selection strategy %q", strategy)
	}
}

// pickPriority returns the highest-priority candidate; ties break by
// creation order (lowest id first) so the choice is stable.
func pickPriority(candidates []models.Pattern) *models.Pattern {
	best := 0
	for i := 1; i < len(candidates); i++ {
		if candidates[i].Priority > candidates[best].Priority ||
			(candidates[i].Priority == candidates[best].Priority && candidates[i].ID < candidates[best].ID) {
			best = i
		}
	}
	return &candidates[best]
}

// pickWeighted samples proportionally to Weight. Zero-weight patterns are
// excluded; when every candidate has zero weight the draw is uniform.
func (s *selector) pickWeighted(candidates []models.Pattern) *models.Pattern {
	total := 0
	for _, p := range candidates {
		if p.Weight > 0 {
			total += p.Weight
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if total == 0 {
		return &candidates[s.rnd.Intn(len(candidates))]
	}

	n := s.rnd.Intn(total)
	for i := range candidates {
		if candidates[i].Weight <= 0 {
			continue
		}
		n -= candidates[i].Weight
		if n < 0 {
			return &candidates[i]
		}
	}
	return &candidates[len(candidates)-1]
}

// pickRoundRobin cycles through the candidates in a stable order, one
// cursor per container.
func (s *selector) pickRoundRobin(containerID uint, candidates []models.Pattern) *models.Pattern {
	ordered := make([]models.Pattern, len(candidates))
	copy(ordered, candidates)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].ID < ordered[j].ID })

	s.mu.Lock()
	cursor := s.rrCursors[containerID]
	s.rrCursors[containerID] = cursor + 1
	s.mu.Unlock()

	chosen := ordered[cursor%len(ordered)]
	for i := range candidates {
		if candidates[i].ID == chosen.ID {
			return &candidates[i]
		}
	}
	return &candidates[0]
}

// pickRandom draws uniformly, except that a flagged default pattern wins
// outright with probability randomBias.
func (s *selector) pickRandom(candidates []models.Pattern) *models.Pattern {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.randomBias > 0 && s.rnd.Float64() < s.randomBias {
		for i := range candidates {
			if candidates[i].IsDefault {
				return &candidates[i]
			}
		}
	}
	return &candidates[s.rnd.Intn(len(candidates))]
}
