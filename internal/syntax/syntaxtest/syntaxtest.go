// Package syntaxtest builds small Python-shaped trees for tests.
package syntaxtest

import (
	"strings"

	"github.com/1homsi/taintflow/internal/ir"
	"github.com/1homsi/taintflow/internal/syntax"
)

type E = syntax.Element

func Name(s string, line int) *E { return syntax.N(syntax.Name, s).At(line) }

// Ref builds a name or a chain of attribute nodes for dotted text.
func Ref(dotted string, line int) *E {
	i := strings.LastIndex(dotted, ".")
	if i < 0 {
		return Name(dotted, line)
	}
	return syntax.N(syntax.Attribute, dotted, Ref(dotted[:i], line)).At(line).Set("attr", dotted[i+1:])
}

func Str(s string, line int) *E {
	return syntax.N(syntax.Literal, s).At(line).Set("type", "string")
}

func Call(callee string, line int, args ...*E) *E {
	return syntax.N(syntax.Call, callee, append([]*E{Ref(callee, line)}, args...)...).At(line)
}

func Kw(name string, value *E) *E { return syntax.N(syntax.Keyword, name, value).At(value.L) }

// Index builds obj[key] for a string key.
func Index(obj, key string, line int) *E {
	return syntax.N(syntax.Subscript, obj+"["+`"`+key+`"`+"]", Ref(obj, line), Str(key, line)).At(line)
}

func Fmt(line int, parts ...*E) *E { return syntax.N(syntax.Format, "f", parts...).At(line) }

func Bin(op string, l, r *E) *E { return syntax.N(syntax.Binary, op, l, r).At(l.L) }

func Tuple(line int, elems ...*E) *E {
	return syntax.N(syntax.Container, "", elems...).At(line).Set("type", "tuple")
}

func Dict(line int) *E { return syntax.N(syntax.Container, "").At(line).Set("type", "dict") }

func Assign(target *E, value *E) *E {
	return syntax.N(syntax.Assign, "", target, value).At(target.L).Set("op", "=")
}

// Let assigns value to a plain name.
func Let(name string, value *E) *E { return Assign(Name(name, value.L), value) }

func Expr(e *E) *E { return syntax.N(syntax.ExprStmt, "", e).At(e.L) }

func Return(e *E) *E { return syntax.N(syntax.Return, "", e).At(e.L) }

func Block(stmts ...*E) *E { return syntax.N(syntax.Block, "", stmts...) }

func If(cond *E, then, els *E) *E { return syntax.N(syntax.If, "", cond, then, els).At(cond.L) }

func For(target string, iter *E, body *E) *E {
	return syntax.N(syntax.For, "", Name(target, iter.L), iter, body).At(iter.L)
}

func Def(name string, line int, params []string, body ...*E) *E {
	fn := syntax.N(syntax.Function, name).At(line)
	for _, p := range params {
		fn.Add(syntax.N(syntax.Param, p).At(line))
	}
	return fn.Add(Block(body...))
}

func Class(name string, line int, members ...*E) *E {
	return syntax.N(syntax.Class, name, members...).At(line)
}

// Import builds "import spec".
func Import(spec string, line int) *E { return syntax.N(syntax.Import, spec).At(line) }

// From builds "from spec import names...".
func From(spec string, line int, names ...string) *E {
	imp := syntax.N(syntax.Import, spec).At(line)
	for _, n := range names {
		imp.Add(syntax.N(syntax.ImportName, n).At(line))
	}
	return imp
}

func Module(stmts ...*E) *E { return syntax.N(syntax.Module, "", stmts...) }

// File wraps a module tree as a parsed Python file at rel.
func File(rel string, root *E) *syntax.File {
	return &syntax.File{
		Path:     rel,
		Language: "python",
		Module:   ir.ModulePathFor("python", rel),
		Root:     root,
	}
}
