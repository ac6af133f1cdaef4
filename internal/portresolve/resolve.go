// Package portresolve resolves an operator-typed port alias (e.g.
// "front-left") against a list of port names an external OS-discovery
// collaborator already produced. OS-level port discovery itself is out of
// scope (spec §1); this is the small, pure, testable slice the original
// source's port-selection UI needed: matching a human's partial or
// misspelled name to one discovered device.
package portresolve

import (
	"errors"
	"fmt"
	"strings"

	"github.com/sahilm/fuzzy"
)

// Port is one discovered serial port, as handed in by the collaborator that
// performs OS-specific enumeration.
type Port struct {
	Name  string // device path, e.g. "/dev/ttyUSB0" or "COM3"
	Alias string // operator-facing label, e.g. "front-left"
}

// Match is a fuzzy match result with score, best first.
type Match struct {
	Port  Port
	Score int
}

var (
	ErrEmptyQuery = errors.New("portresolve: empty query")
	ErrEmptyPorts = errors.New("portresolve: no ports to match against")
)

// AmbiguousError indicates multiple discovered ports matched a query
// equally well; the caller must disambiguate.
type AmbiguousError struct {
	Query   string
	Matches []Match
}

func (e *AmbiguousError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "portresolve: ambiguous match for %q", e.Query)
	for _, m := range e.Matches {
		fmt.Fprintf(&b, "\n  %s (%s)", m.Port.Alias, m.Port.Name)
	}
	return b.String()
}

type aliasSourceLower []Port

func (s aliasSourceLower) String(i int) string { return strings.ToLower(s[i].Alias) }
func (s aliasSourceLower) Len() int            { return len(s) }

// Resolve finds the single best-matching port for a typed alias or device
// name. An exact case-insensitive match against either field wins outright;
// otherwise fuzzy matching runs against the alias field, and a tie between
// the top two results is reported as AmbiguousError.
func Resolve(query string, ports []Port) (Port, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return Port{}, ErrEmptyQuery
	}
	if len(ports) == 0 {
		return Port{}, ErrEmptyPorts
	}

	for _, p := range ports {
		if strings.EqualFold(p.Alias, query) || strings.EqualFold(p.Name, query) {
			return p, nil
		}
	}

	results := fuzzy.FindFrom(strings.ToLower(query), aliasSourceLower(ports))
	if len(results) == 0 {
		return Port{}, fmt.Errorf("portresolve: no match found for %q", query)
	}
	if len(results) > 1 && results[0].Score == results[1].Score {
		return Port{}, &AmbiguousError{Query: query, Matches: buildMatches(ports, results, 5)}
	}
	return ports[results[0].Index], nil
}

// ResolveAll returns up to limit matches ranked by score (best first), for
// an interactive "did you mean" prompt.
func ResolveAll(query string, ports []Port, limit int) []Match {
	query = strings.TrimSpace(query)
	if query == "" || len(ports) == 0 || limit <= 0 {
		return nil
	}
	results := fuzzy.FindFrom(strings.ToLower(query), aliasSourceLower(ports))
	return buildMatches(ports, results, limit)
}

func buildMatches(ports []Port, results fuzzy.Matches, limit int) []Match {
	if len(results) == 0 || limit <= 0 {
		return nil
	}
	if len(results) > limit {
		results = results[:limit]
	}
	matches := make([]Match, len(results))
	for i, r := range results {
		matches[i] = Match{Port: ports[r.Index], Score: r.Score}
	}
	return matches
}
