// Package endpoint holds the ordered list of candidate transport endpoints
// and walks it on failure.
package endpoint

import (
	"errors"
	"strings"
)

// ErrNoEndpoints is returned when a selector would have no candidates.
var ErrNoEndpoints = errors.New("no endpoints configured")

// Selector walks an ordered endpoint list round-robin. One failover cycle
// visits every candidate once; after that Advance reports exhaustion until
// MarkConnected or Reset starts a new cycle.
//
// A Selector is not safe for concurrent use. The lifecycle manager owns it
// from its event loop.
type Selector struct {
	endpoints []string
	index     int
	visited   int // candidates tried in the current cycle, including index
	exhausted bool
}

// New returns a selector positioned at the first endpoint. Blank and
// duplicate entries are dropped; order is preserved.
func New(endpoints []string) (*Selector, error) {
	list := Normalize(endpoints)
	if len(list) == 0 {
		return nil, ErrNoEndpoints
	}
	return &Selector{endpoints: list, visited: 1}, nil
}

// Normalize trims entries and removes blanks and duplicates.
func Normalize(endpoints []string) []string {
	seen := make(map[string]struct{}, len(endpoints))
	var out []string
	for _, e := range endpoints {
		e = strings.TrimSpace(e)
		if e == "" {
			continue
		}
		if _, dup := seen[e]; dup {
			continue
		}
		seen[e] = struct{}{}
		out = append(out, e)
	}
	return out
}

// Current returns the endpoint in use.
func (s *Selector) Current() string {
	return s.endpoints[s.index]
}

// Index returns the position of Current in the list.
func (s *Selector) Index() int {
	return s.index
}

// Len returns the number of candidates.
func (s *Selector) Len() int {
	return len(s.endpoints)
}

// Endpoints returns a copy of the candidate list.
func (s *Selector) Endpoints() []string {
	return append([]string(nil), s.endpoints...)
}

// Exhausted reports whether the current cycle has run out of candidates.
func (s *Selector) Exhausted() bool {
	return s.exhausted
}

// Advance moves to the next candidate. It returns false, and marks the
// selector exhausted, when every candidate of this cycle has been visited.
func (s *Selector) Advance() bool {
	if s.exhausted || s.visited >= len(s.endpoints) {
		s.exhausted = true
		return false
	}
	s.index = (s.index + 1) % len(s.endpoints)
	s.visited++
	return true
}

// MarkConnected records a successful connect. The next failover cycle
// starts from the endpoint that worked.
func (s *Selector) MarkConnected() {
	s.visited = 1
	s.exhausted = false
}

// Reset starts a fresh cycle from the first endpoint.
func (s *Selector) Reset() {
	s.index = 0
	s.visited = 1
	s.exhausted = false
}

// Replace installs a new candidate list and resets to its first entry.
func (s *Selector) Replace(endpoints []string) error {
	list := Normalize(endpoints)
	if len(list) == 0 {
		return ErrNoEndpoints
	}
	s.endpoints = list
	s.Reset()
	return nil
}
