package analyzer

import (
	"reflect"

	"github.com/dop251/goja/ast"
	"github.com/dop251/goja/file"
)

var fileType = reflect.TypeOf((*file.File)(nil))

// inspect calls fn for every node reachable from root, depth first. goja's
// AST has no visitor, so the tree is traversed reflectively over exported
// fields. Shared pointers are visited once.
func inspect(root ast.Node, fn func(ast.Node)) {
	seen := make(map[uintptr]bool)

	var rec func(v reflect.Value)
	rec = func(v reflect.Value) {
		switch v.Kind() {
		case reflect.Interface:
			if !v.IsNil() {
				rec(v.Elem())
			}
		case reflect.Pointer:
			if v.IsNil() || v.Type() == fileType {
				return
			}
			p := v.Pointer()
			if seen[p] {
				return
			}
			seen[p] = true
			if n, ok := v.Interface().(ast.Node); ok {
				fn(n)
			}
			rec(v.Elem())
		case reflect.Struct:
			t := v.Type()
			for i := 0; i < v.NumField(); i++ {
				if t.Field(i).IsExported() {
					rec(v.Field(i))
				}
			}
		case reflect.Slice, reflect.Array:
			for i := 0; i < v.Len(); i++ {
				rec(v.Index(i))
			}
		}
	}
	rec(reflect.ValueOf(root))
}

// isExportsTarget reports whether an assignment target writes to
// module.exports, module.exports.x or exports.x.
func isExportsTarget(e ast.Expression) bool {
	switch x := e.(type) {
	case *ast.DotExpression:
		if id, ok := x.Left.(*ast.Identifier); ok {
			if id.Name == "module" && x.Identifier.Name == "exports" {
				return true
			}
			return id.Name == "exports"
		}
		return isExportsTarget(x.Left)
	case *ast.BracketExpression:
		if id, ok := x.Left.(*ast.Identifier); ok {
			return id.Name == "exports"
		}
		return isExportsTarget(x.Left)
	}
	return false
}

// staticArgument returns the module reference passed to require when it is
// a plain string.
func staticArgument(e ast.Expression) (string, bool) {
	switch a := e.(type) {
	case *ast.StringLiteral:
		return a.Value.String(), true
	case *ast.TemplateLiteral:
		if a.Tag == nil && len(a.Expressions) == 0 && len(a.Elements) == 1 {
			return a.Elements[0].Parsed.String(), true
		}
	}
	return "", false
}
