package installer

import (
	"sort"
	"strings"

	"github.com/Masterminds/semver/v3"

	"github.com/seantiz/runbox/internal/cache"
	"github.com/seantiz/runbox/internal/model"
)

// Satisfies reports whether an installed package meets constraint.
//
// Tags ("latest", "*", empty) accept any installed version. A constraint
// identical to the one recorded at install time is accepted without
// re-resolving it, so "next" keeps matching what "next" resolved to.
func Satisfies(pkg cache.Package, constraint string) bool {
	constraint = strings.TrimSpace(constraint)
	switch constraint {
	case "", "*", model.LatestConstraint:
		return true
	}
	if constraint == pkg.Constraint {
		return true
	}

	c, err := semver.NewConstraint(constraint)
	if err != nil {
		return false
	}
	v, err := semver.NewVersion(pkg.Version)
	if err != nil {
		return false
	}
	return c.Check(v)
}

// Missing returns the packages in deps that m does not satisfy, ordered by
// name.
func Missing(m cache.Manifest, deps model.DependencySet) []model.PackageSpec {
	var out []model.PackageSpec
	for name, constraint := range deps {
		pkg, ok := m.Packages[name]
		if ok && Satisfies(pkg, constraint) {
			continue
		}
		out = append(out, model.PackageSpec{Name: name, Constraint: constraint})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
