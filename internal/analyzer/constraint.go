package analyzer

import (
	"strings"

	"github.com/Masterminds/semver/v3"

	"github.com/seantiz/runbox/internal/model"
)

// Specificity ranks of a version constraint. Higher wins a conflict.
const (
	rankTag = iota
	rankRange
	rankMajor
	rankMinor
	rankExact
)

// Specificity ranks a constraint: exact versions, then tilde and
// minor-pinned x-ranges, then caret and major-only ranges, then any other
// range, then dist-tags such as latest.
func Specificity(constraint string) int {
	c := strings.TrimSpace(constraint)
	switch c {
	case "", model.LatestConstraint, "*", "x", "X":
		return rankTag
	}

	if _, err := semver.StrictNewVersion(strings.TrimPrefix(strings.TrimPrefix(c, "="), "v")); err == nil {
		return rankExact
	}
	if strings.HasPrefix(c, "~") {
		return rankMinor
	}
	if strings.HasPrefix(c, "^") {
		return rankMajor
	}
	if rank, ok := xRangeRank(c); ok {
		return rank
	}
	if _, err := semver.NewConstraint(c); err == nil {
		return rankRange
	}
	return rankTag
}

// xRangeRank handles partial versions like 1, 1.2, 1.x and 1.2.x.
func xRangeRank(c string) (int, bool) {
	parts := strings.Split(c, ".")
	if len(parts) > 3 {
		return 0, false
	}
	numeric := 0
	for i, p := range parts {
		if p == "x" || p == "X" || p == "*" {
			// Wildcards must be trailing.
			for _, q := range parts[i:] {
				if q != "x" && q != "X" && q != "*" {
					return 0, false
				}
			}
			break
		}
		for _, r := range p {
			if r < '0' || r > '9' {
				return 0, false
			}
		}
		if p == "" {
			return 0, false
		}
		numeric++
	}
	switch numeric {
	case 0:
		return rankTag, true
	case 1:
		return rankMajor, true
	default:
		return rankMinor, true
	}
}

// moreSpecific reports whether candidate should replace current.
func moreSpecific(candidate, current string) bool {
	return Specificity(candidate) > Specificity(current)
}
