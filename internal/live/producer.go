// Package live runs simulated environments that generate episode data on
// demand. The session talks to an environment only through a Worker.
package live

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
)

// Params select the environment variant for one episode.
type Params struct {
	Domain       string
	Novelty      int
	TrialNovelty int
	Difficulty   string
	Seed         int64
	DayOffset    int
	UseImage     bool
}

// Observation is what the environment exposes after a reset or a step.
type Observation struct {
	Features json.RawMessage
	// the action an oracle would take; sent as ground truth feedback
	Label string
	// reward earned by the action that led here
	Reward float64
	Done   bool
}

// Producer is one simulated environment instance.
type Producer interface {
	Reset(ctx context.Context, p Params) (Observation, error)
	Step(ctx context.Context, action string) (Observation, error)
	Close() error
}

type Factory func() Producer

// Registry maps a domain name to the environment that serves it.
type Registry struct {
	factories map[string]Factory
}

func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// DefaultRegistry knows every built-in environment.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register(CartPoleDomain, func() Producer { return NewCartPole() })
	return r
}

func (r *Registry) Register(domain string, f Factory) {
	r.factories[domain] = f
}

func (r *Registry) New(domain string) (Producer, error) {
	f, ok := r.factories[domain]
	if !ok {
		return nil, fmt.Errorf("live: no environment for domain %q", domain)
	}
	return f(), nil
}

func (r *Registry) Supports(domain string) bool {
	_, ok := r.factories[domain]
	return ok
}

func (r *Registry) Domains() []string {
	out := make([]string, 0, len(r.factories))
	for d := range r.factories {
		out = append(out, d)
	}
	sort.Strings(out)
	return out
}
