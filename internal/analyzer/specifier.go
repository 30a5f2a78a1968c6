package analyzer

import (
	"regexp"
	"strings"
)

type specKind int

const (
	specPackage specKind = iota
	specBuiltin
	specLocal
)

// specifier is a parsed module reference such as "@scope/pkg@^1/sub".
type specifier struct {
	Name    string
	Version string
	Subpath string
}

var packageName = regexp.MustCompile(`^(?:@[a-zA-Z0-9\-~][a-zA-Z0-9\-._~]*/)?[a-zA-Z0-9\-~][a-zA-Z0-9\-._~]*$`)

const maxPackageNameLen = 214

// builtins are the Node core modules; they are never installed.
var builtins = map[string]bool{
	"assert": true, "async_hooks": true, "buffer": true, "child_process": true,
	"cluster": true, "console": true, "constants": true, "crypto": true,
	"dgram": true, "diagnostics_channel": true, "dns": true, "domain": true,
	"events": true, "fs": true, "http": true, "http2": true, "https": true,
	"inspector": true, "module": true, "net": true, "os": true, "path": true,
	"perf_hooks": true, "process": true, "punycode": true, "querystring": true,
	"readline": true, "repl": true, "stream": true, "string_decoder": true,
	"sys": true, "timers": true, "tls": true, "trace_events": true, "tty": true,
	"url": true, "util": true, "v8": true, "vm": true, "wasi": true,
	"worker_threads": true, "zlib": true,
}

// IsBuiltin reports whether ref names a Node core module, with or without
// the node: prefix and with or without a subpath (fs/promises).
func IsBuiltin(ref string) bool {
	if strings.HasPrefix(ref, "node:") {
		return true
	}
	base, _, _ := strings.Cut(ref, "/")
	return builtins[base]
}

// parseSpecifier classifies ref and, for packages, splits it into name,
// inline version and subpath.
func parseSpecifier(ref string) (specifier, specKind) {
	if ref == "" || strings.HasPrefix(ref, ".") || strings.HasPrefix(ref, "/") {
		return specifier{}, specLocal
	}
	if IsBuiltin(ref) {
		return specifier{Name: ref}, specBuiltin
	}

	scope := ""
	rest := ref
	if strings.HasPrefix(rest, "@") {
		i := strings.Index(rest, "/")
		if i < 0 {
			return specifier{Name: ref}, specPackage
		}
		scope, rest = rest[:i+1], rest[i+1:]
	}

	namePart, subpath, hasSub := strings.Cut(rest, "/")
	if hasSub {
		subpath = "/" + subpath
	}
	name, version, _ := strings.Cut(namePart, "@")

	return specifier{Name: scope + name, Version: version, Subpath: subpath}, specPackage
}

func validPackageName(name string) bool {
	return len(name) <= maxPackageNameLen && packageName.MatchString(name)
}
