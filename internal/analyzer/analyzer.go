// Package analyzer extracts the npm packages a script needs.
//
// A script is a CommonJS module whose export is the function to run. ES
// module import/export syntax is accepted and rewritten to CommonJS first;
// the rewritten text is what sandboxes execute.
package analyzer

import (
	"fmt"
	"strings"

	"github.com/dop251/goja/ast"
	"github.com/dop251/goja/parser"

	"github.com/seantiz/runbox/internal/apperr"
	"github.com/seantiz/runbox/internal/model"
)

const scriptName = "script.js"

// Analysis is the outcome of analyzing one script.
type Analysis struct {
	// Dependencies maps canonical package names to the winning constraint.
	Dependencies model.DependencySet
	// Warnings lists references that were skipped or conflicts that were resolved.
	Warnings []string
	// Source is the CommonJS text to execute.
	Source string
	// Rewritten reports whether ES module syntax was converted.
	Rewritten bool
}

// Analyze parses code and returns its external package dependencies.
// It fails with a validation error when the code is empty, does not parse,
// references an invalid package name, or never assigns module.exports.
func Analyze(code string) (*Analysis, error) {
	if strings.TrimSpace(code) == "" {
		return nil, apperr.Validation("code is required")
	}

	source, rewritten := rewriteESM(code)

	prog, err := parser.ParseFile(nil, scriptName, source, 0, parser.WithDisableSourceMaps)
	if err != nil {
		return nil, apperr.Validation("parse script: %v", err)
	}

	a := &Analysis{
		Dependencies: model.DependencySet{},
		Source:       source,
		Rewritten:    rewritten,
	}

	var (
		exported bool
		badName  string
	)
	inspect(prog, func(n ast.Node) {
		switch n := n.(type) {
		case *ast.AssignExpression:
			if isExportsTarget(n.Left) {
				exported = true
			}
		case *ast.CallExpression:
			id, ok := n.Callee.(*ast.Identifier)
			if !ok || id.Name != "require" {
				return
			}
			line := prog.File.Position(int(n.Idx0()) - prog.File.Base()).Line
			if len(n.ArgumentList) == 0 {
				a.warnf("require() without arguments at line %d ignored", line)
				return
			}
			ref, ok := staticArgument(n.ArgumentList[0])
			if !ok {
				a.warnf("dynamic require at line %d cannot be resolved ahead of time; the module must already be in the cache", line)
				return
			}
			if name := a.add(ref, line); name != "" && badName == "" {
				badName = name
			}
		}
	})

	if badName != "" {
		return nil, apperr.Validation("invalid package name %q", badName)
	}
	if !exported {
		return nil, apperr.Validation("script must export a function via module.exports or export default")
	}
	return a, nil
}

// add records a static module reference. It returns the offending name when
// the reference is not a valid package name.
func (a *Analysis) add(ref string, line int) string {
	spec, kind := parseSpecifier(ref)
	switch kind {
	case specBuiltin:
		return ""
	case specLocal:
		a.warnf("local module %q at line %d is not supported and was skipped", ref, line)
		return ""
	}
	if !validPackageName(spec.Name) {
		return spec.Name
	}

	constraint := spec.Version
	if constraint == "" {
		constraint = model.LatestConstraint
	}

	current, ok := a.Dependencies[spec.Name]
	switch {
	case !ok:
		a.Dependencies[spec.Name] = constraint
	case current == constraint:
	case moreSpecific(constraint, current):
		a.warnf("conflicting versions for %s: %q and %q; using %q", spec.Name, current, constraint, constraint)
		a.Dependencies[spec.Name] = constraint
	default:
		a.warnf("conflicting versions for %s: %q and %q; using %q", spec.Name, current, constraint, current)
	}
	return ""
}

func (a *Analysis) warnf(format string, args ...any) {
	a.Warnings = append(a.Warnings, fmt.Sprintf(format, args...))
}
