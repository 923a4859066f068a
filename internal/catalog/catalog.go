// Package catalog holds the ordered phase catalog and its transition rules.
package catalog

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"phaseline/internal/domain"
)

// DefaultMaxRewinds is the rewind ceiling used when none is configured.
const DefaultMaxRewinds = 5

var (
	// ErrRewindCeiling means the issue has used every rewind it is allowed and
	// must halt for a human.
	ErrRewindCeiling = errors.New("rewind ceiling reached")
	ErrUnknownPhase  = errors.New("unknown phase")
	// ErrNoTransition is returned for outcomes handled by escalation rather
	// than the transition table.
	ErrNoTransition = errors.New("outcome has no transition")
)

// Phase is one catalog entry.
type Phase struct {
	Name      string   `json:"name" yaml:"name"`
	Actor     string   `json:"actor" yaml:"actor"`
	SubActors []string `json:"sub_actors,omitempty" yaml:"sub_actors"`
	// Triggers are feedback trigger names that rewind even on a pass outcome.
	Triggers []string `json:"triggers,omitempty" yaml:"triggers"`
	Position int      `json:"position" yaml:"-"`
}

// Actors returns the sub-actors in dispatch order, or the owning actor alone.
func (p Phase) Actors() []string {
	if len(p.SubActors) > 0 {
		return append([]string(nil), p.SubActors...)
	}
	return []string{p.Actor}
}

// Catalog is validated at construction and never mutated afterwards.
type Catalog struct {
	phases       []Phase
	index        map[string]int
	rewindTarget string
	maxRewinds   int
	digest       string
}

// DefaultPhases is the standard delivery lifecycle.
func DefaultPhases() []Phase {
	return []Phase{
		{Name: "specify", Actor: "product-owner"},
		{Name: "plan", Actor: "architect"},
		{Name: "tasks", Actor: "planner"},
		{Name: "test-design", Actor: "test-designer"},
		{Name: "implement", Actor: "implementer", SubActors: []string{"backend", "frontend", "infra"}},
		{Name: "verify", Actor: "verifier"},
		{Name: "review", Actor: "reviewer", Triggers: []string{"changes_requested", "security_issue"}},
		{Name: "merge", Actor: "integrator"},
		{Name: "rollout", Actor: "release-manager", Triggers: []string{"rollback"}},
		{Name: "retro", Actor: "facilitator"},
	}
}

// Default builds the standard catalog rewinding to specify.
func Default() *Catalog {
	c, err := New(DefaultPhases(), "", DefaultMaxRewinds)
	if err != nil {
		panic(err)
	}
	return c
}

// New validates phases. An empty rewindTarget means the first phase; a
// non-positive maxRewinds means DefaultMaxRewinds.
func New(phases []Phase, rewindTarget string, maxRewinds int) (*Catalog, error) {
	if len(phases) == 0 {
		return nil, errors.New("catalog has no phases")
	}
	c := &Catalog{index: make(map[string]int, len(phases))}
	for i, p := range phases {
		p.Name = strings.TrimSpace(p.Name)
		p.Actor = strings.TrimSpace(p.Actor)
		if p.Name == "" {
			return nil, fmt.Errorf("phase %d has no name", i+1)
		}
		if p.Actor == "" {
			return nil, fmt.Errorf("phase %s has no owning actor", p.Name)
		}
		if _, dup := c.index[p.Name]; dup {
			return nil, fmt.Errorf("phase %s is defined twice", p.Name)
		}
		for _, sub := range p.SubActors {
			if strings.TrimSpace(sub) == "" {
				return nil, fmt.Errorf("phase %s has an empty sub-actor", p.Name)
			}
		}
		for _, trig := range p.Triggers {
			if strings.TrimSpace(trig) == "" {
				return nil, fmt.Errorf("phase %s has an empty trigger", p.Name)
			}
		}
		p.SubActors = append([]string(nil), p.SubActors...)
		p.Triggers = append([]string(nil), p.Triggers...)
		p.Position = i
		c.index[p.Name] = i
		c.phases = append(c.phases, p)
	}
	if rewindTarget == "" {
		rewindTarget = c.phases[0].Name
	}
	if _, ok := c.index[rewindTarget]; !ok {
		return nil, fmt.Errorf("rewind target %s: %w", rewindTarget, ErrUnknownPhase)
	}
	c.rewindTarget = rewindTarget
	if maxRewinds <= 0 {
		maxRewinds = DefaultMaxRewinds
	}
	c.maxRewinds = maxRewinds
	c.digest = c.computeDigest()
	return c, nil
}

// Phases returns a copy of the ordered phases.
func (c *Catalog) Phases() []Phase {
	out := make([]Phase, len(c.phases))
	copy(out, c.phases)
	return out
}

// Names returns the phase names in order.
func (c *Catalog) Names() []string {
	out := make([]string, len(c.phases))
	for i, p := range c.phases {
		out[i] = p.Name
	}
	return out
}

func (c *Catalog) Phase(name string) (Phase, bool) {
	i, ok := c.index[name]
	if !ok {
		return Phase{}, false
	}
	return c.phases[i], true
}

func (c *Catalog) RewindTarget() string { return c.rewindTarget }
func (c *Catalog) MaxRewinds() int      { return c.maxRewinds }
func (c *Catalog) Digest() string       { return c.digest }

// FirstIncomplete returns the first phase not in completed, or "" if all are.
func (c *Catalog) FirstIncomplete(completed []string) string {
	done := make(map[string]bool, len(completed))
	for _, p := range completed {
		done[p] = true
	}
	for _, p := range c.phases {
		if !done[p.Name] {
			return p.Name
		}
	}
	return ""
}

// IsFeedback reports whether a job result should rewind: a reject outcome, or
// a pass that carries one of the phase's feedback triggers.
func (c *Catalog) IsFeedback(phase string, outcome domain.Outcome, trigger string) bool {
	if outcome == domain.OutcomeReject {
		return true
	}
	if outcome != domain.OutcomePass || trigger == "" {
		return false
	}
	p, ok := c.Phase(phase)
	if !ok {
		return false
	}
	for _, t := range p.Triggers {
		if t == trigger {
			return true
		}
	}
	return false
}

// Next returns the phase to run after current finished with outcome. done is
// true when a pass completes the last phase. A reject returns the fixed rewind
// target unless rewindAttempts already reached the ceiling, which yields
// ErrRewindCeiling. rewindAttempts counts every rewind of the issue.
func (c *Catalog) Next(current string, outcome domain.Outcome, rewindAttempts int) (string, bool, error) {
	i, ok := c.index[current]
	if !ok {
		return "", false, fmt.Errorf("%s: %w", current, ErrUnknownPhase)
	}
	switch outcome {
	case domain.OutcomePass:
		if i+1 >= len(c.phases) {
			return "", true, nil
		}
		return c.phases[i+1].Name, false, nil
	case domain.OutcomeReject:
		if rewindAttempts >= c.maxRewinds {
			return "", false, fmt.Errorf("%d of %d rewinds used: %w", rewindAttempts, c.maxRewinds, ErrRewindCeiling)
		}
		return c.rewindTarget, false, nil
	default:
		return "", false, fmt.Errorf("%s from %s: %w", outcome, current, ErrNoTransition)
	}
}

func (c *Catalog) computeDigest() string {
	h := sha256.New()
	for _, p := range c.phases {
		fmt.Fprintf(h, "%s|%s|%s|%s\n", p.Name, p.Actor, strings.Join(p.SubActors, ","), strings.Join(p.Triggers, ","))
	}
	fmt.Fprintf(h, "rewind=%s|max=%d\n", c.rewindTarget, c.maxRewinds)
	return hex.EncodeToString(h.Sum(nil))[:16]
}
