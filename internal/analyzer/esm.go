package analyzer

import (
	"fmt"
	"regexp"
	"strings"
)

// defaultHelper unwraps transpiled ES modules the way bundlers do.
const defaultHelper = "var __runbox_default = function (m) { return m && m.__esModule && 'default' in m ? m.default : m; }; "

const defaultHelperName = "__runbox_default"

var (
	importNamespace  = regexp.MustCompile(`(?m)^([ \t]*)import\s+(?:([\w$]+)\s*,\s*)?\*\s*as\s+([\w$]+)\s+from\s*(['"])([^'"]+)['"][ \t]*;?`)
	importNamed      = regexp.MustCompile(`(?m)^([ \t]*)import\s+(?:([\w$]+)\s*,\s*)?\{([^}]*)\}\s*from\s*(['"])([^'"]+)['"][ \t]*;?`)
	importDefault    = regexp.MustCompile(`(?m)^([ \t]*)import\s+([\w$]+)\s+from\s*(['"])([^'"]+)['"][ \t]*;?`)
	importSideEffect = regexp.MustCompile(`(?m)^([ \t]*)import\s*(['"])([^'"]+)['"][ \t]*;?`)
	importDynamic    = regexp.MustCompile(`\bimport\s*\(\s*(['"])([^'"]+)['"]\s*\)`)
	exportDefault    = regexp.MustCompile(`(?m)^([ \t]*)export\s+default\s+`)
)

// rewriteESM converts ES module syntax to CommonJS. It reports whether
// anything changed.
func rewriteESM(src string) (string, bool) {
	out := src
	usesDefault := false

	out = replaceSubmatch(importNamespace, out, func(m []string) string {
		indent, def, ns, quote, mod := m[1], m[2], m[3], m[4], m[5]
		stmt := fmt.Sprintf("%sconst %s = require(%s%s%s);", indent, ns, quote, mod, quote)
		if def != "" {
			usesDefault = true
			stmt += fmt.Sprintf(" const %s = %s(%s);", def, defaultHelperName, ns)
		}
		return stmt
	})

	out = replaceSubmatch(importNamed, out, func(m []string) string {
		indent, def, names, quote, mod := m[1], m[2], m[3], m[4], m[5]
		req := fmt.Sprintf("require(%s%s%s)", quote, mod, quote)

		var stmts []string
		if def != "" {
			usesDefault = true
			stmts = append(stmts, fmt.Sprintf("const %s = %s(%s);", def, defaultHelperName, req))
		}
		var bindings []string
		for _, b := range strings.Split(names, ",") {
			b = strings.TrimSpace(b)
			if b == "" {
				continue
			}
			name, alias, hasAlias := strings.Cut(b, " as ")
			name, alias = strings.TrimSpace(name), strings.TrimSpace(alias)
			switch {
			case name == "default":
				usesDefault = true
				stmts = append(stmts, fmt.Sprintf("const %s = %s(%s);", alias, defaultHelperName, req))
			case hasAlias:
				bindings = append(bindings, name+": "+alias)
			default:
				bindings = append(bindings, name)
			}
		}
		if len(bindings) > 0 {
			stmts = append(stmts, fmt.Sprintf("const { %s } = %s;", strings.Join(bindings, ", "), req))
		}
		if len(stmts) == 0 {
			stmts = append(stmts, req+";")
		}
		// Keep the line count stable so parser positions still match the
		// submitted source.
		return indent + strings.Join(stmts, " ") + strings.Repeat("\n", strings.Count(m[0], "\n"))
	})

	out = replaceSubmatch(importDefault, out, func(m []string) string {
		usesDefault = true
		indent, name, quote, mod := m[1], m[2], m[3], m[4]
		return fmt.Sprintf("%sconst %s = %s(require(%s%s%s));", indent, name, defaultHelperName, quote, mod, quote)
	})

	out = replaceSubmatch(importSideEffect, out, func(m []string) string {
		indent, quote, mod := m[1], m[2], m[3]
		return fmt.Sprintf("%srequire(%s%s%s);", indent, quote, mod, quote)
	})

	out = replaceSubmatch(importDynamic, out, func(m []string) string {
		quote, mod := m[1], m[2]
		return fmt.Sprintf("Promise.resolve(require(%s%s%s))", quote, mod, quote)
	})

	out = exportDefault.ReplaceAllString(out, "${1}module.exports = ")

	if usesDefault {
		out = defaultHelper + out
	}
	return out, out != src
}

func replaceSubmatch(re *regexp.Regexp, src string, fn func([]string) string) string {
	return re.ReplaceAllStringFunc(src, func(match string) string {
		return fn(re.FindStringSubmatch(match))
	})
}
