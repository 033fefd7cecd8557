package checkin

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/tangramdev/tangram/pkg/index"
	"github.com/tangramdev/tangram/pkg/object"
	"github.com/tangramdev/tangram/pkg/tgerror"
)

// Solver selects one version per tag pattern such that every constraint
// is satisfied. Patterns are grouped by package and each group is solved
// on its own by intersecting the candidate versions under the package's
// tag node; there is no backtracking across packages.
// Strategies: exact-match for fully-qualified patterns, highest-version
// for wildcards, with caller-supplied updates overriding pins. On
// conflict it reports every pattern of the conflicting package as
// diagnostics rather than guessing; that set is not reduced to a minimal
// unsatisfiable core.
type Solver struct {
	idx     index.Index
	updates map[string]bool // package name -> ignore existing pin
	pins    map[string]object.ID
}

// NewSolver constructs a Solver. pins carries an existing lock's
// resolutions (pattern -> id); updates names packages whose pins are
// discarded in favor of the highest available version.
func NewSolver(idx index.Index, pins map[string]object.ID, updates map[string]bool) *Solver {
	if pins == nil {
		pins = map[string]object.ID{}
	}
	if updates == nil {
		updates = map[string]bool{}
	}
	return &Solver{idx: idx, pins: pins, updates: updates}
}

// candidate is one resolvable version of a package.
type candidate struct {
	version string
	item    object.ID
}

// Solve resolves every pattern, returning pattern -> id. Patterns on the
// same package must unify to a single version.
func (s *Solver) Solve(ctx context.Context, patterns []string) (map[string]object.ID, []tgerror.Diagnostic, error) {
	// group patterns by package; each group must agree on one candidate
	byPackage := make(map[string][]string)
	var packages []string
	for _, p := range patterns {
		pkg := packageOf(p)
		if _, seen := byPackage[pkg]; !seen {
			packages = append(packages, pkg)
		}
		byPackage[pkg] = append(byPackage[pkg], p)
	}
	sort.Strings(packages)

	solution := make(map[string]object.ID, len(patterns))
	for _, pkg := range packages {
		group := byPackage[pkg]
		candidates, err := s.candidates(ctx, pkg)
		if err != nil {
			return nil, nil, err
		}

		// intersect: keep candidates every pattern in the group accepts
		viable := candidates[:0:0]
		for _, c := range candidates {
			ok := true
			for _, p := range group {
				if !patternMatches(p, c.version) {
					ok = false
					break
				}
			}
			if ok {
				viable = append(viable, c)
			}
		}

		if len(viable) == 0 {
			// report the whole group; patterns that do not take part in
			// the empty intersection are not filtered out
			diags := make([]tgerror.Diagnostic, 0, len(group))
			for _, p := range group {
				diags = append(diags, tgerror.Diagnostic{
					Severity: "error",
					Message:  fmt.Sprintf("no version of %q satisfies %q", pkg, p),
				})
			}
			err := tgerror.New(tgerror.CodeFailedPrecondition, "unsatisfiable dependencies on %q", pkg)
			err.Diagnostics = diags
			return nil, diags, err
		}

		chosen := s.choose(pkg, group, viable)
		for _, p := range group {
			solution[p] = chosen.item
		}
	}
	return solution, nil, nil
}

// choose applies precedence: updates first (discard the pin), otherwise
// an existing pin that is still viable, otherwise descending version
// order.
func (s *Solver) choose(pkg string, group []string, viable []candidate) candidate {
	if !s.updates[pkg] {
		for _, p := range group {
			if pinned, ok := s.pins[p]; ok {
				for _, c := range viable {
					if c.item == pinned {
						return c
					}
				}
			}
		}
	}
	best := viable[0]
	for _, c := range viable[1:] {
		if compareVersions(c.version, best.version) > 0 {
			best = c
		}
	}
	return best
}

// candidates lists the versions bound under the package's tag node.
func (s *Solver) candidates(ctx context.Context, pkg string) ([]candidate, error) {
	prefix := strings.Split(pkg, "/")
	rows, err := s.idx.ListTags(ctx, prefix)
	if err != nil {
		if tgerror.Is(err, tgerror.CodeNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("solver: list %q: %w", pkg, err)
	}
	var out []candidate
	for _, r := range rows {
		if r.Item != nil {
			out = append(out, candidate{version: r.Component, item: *r.Item})
		}
	}
	return out, nil
}

// packageOf strips the version component of a pattern: "foo/1.0.0" and
// "foo/*" are both constraints on package "foo".
func packageOf(pattern string) string {
	i := strings.LastIndex(pattern, "/")
	if i < 0 {
		return pattern
	}
	return pattern[:i]
}

// patternMatches reports whether a concrete version satisfies the
// pattern's version component. "*" matches anything; a trailing "*"
// matches by prefix ("1.*"); otherwise exact match.
func patternMatches(pattern, version string) bool {
	i := strings.LastIndex(pattern, "/")
	if i < 0 {
		return true
	}
	want := pattern[i+1:]
	switch {
	case want == "*" || want == "":
		return true
	case strings.HasSuffix(want, "*"):
		return strings.HasPrefix(version, strings.TrimSuffix(want, "*"))
	default:
		return want == version
	}
}

// compareVersions orders dotted numeric versions; non-numeric components
// fall back to string comparison. Returns -1, 0, or 1.
func compareVersions(a, b string) int {
	as, bs := strings.Split(a, "."), strings.Split(b, ".")
	for i := 0; i < len(as) || i < len(bs); i++ {
		var ac, bc string
		if i < len(as) {
			ac = as[i]
		}
		if i < len(bs) {
			bc = bs[i]
		}
		an, aerr := strconv.Atoi(ac)
		bn, berr := strconv.Atoi(bc)
		switch {
		case aerr == nil && berr == nil:
			if an != bn {
				if an < bn {
					return -1
				}
				return 1
			}
		default:
			if ac != bc {
				if ac < bc {
					return -1
				}
				return 1
			}
		}
	}
	return 0
}
