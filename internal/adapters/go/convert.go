package goadapter

import (
	"go/ast"
	"go/token"
	"path"
	"regexp"
	"strconv"
	"strings"

	"golang.org/x/tools/go/ast/astutil"

	"github.com/1homsi/taintflow/internal/syntax"
)

type element = syntax.Element

// converter turns one parsed Go file into a syntax tree.
type converter struct {
	fset     *token.FileSet
	src      []byte
	fileName string // base name of the source file
}

func (c *converter) line(n ast.Node) int { return c.fset.Position(n.Pos()).Line }

// text returns the source text of n.
func (c *converter) text(n ast.Node) string {
	start, end := c.fset.Position(n.Pos()).Offset, c.fset.Position(n.End()).Offset
	if start < 0 || end > len(c.src) || start > end {
		return ""
	}
	return string(c.src[start:end])
}

func (c *converter) file(f *ast.File) *element {
	root := syntax.N(syntax.Module, "")
	for _, group := range astutil.Imports(c.fset, f) {
		for _, spec := range group {
			root.Add(c.importSpec(spec))
		}
	}
	for _, decl := range f.Decls {
		switch d := decl.(type) {
		case *ast.FuncDecl:
			root.Add(c.funcDecl(d))
		case *ast.GenDecl:
			root.Add(c.genDecl(d)...)
		}
	}
	return root
}

func (c *converter) importSpec(spec *ast.ImportSpec) *element {
	p, err := strconv.Unquote(spec.Path.Value)
	if err != nil {
		return nil
	}
	line := c.line(spec)
	imp := syntax.N(syntax.Import, p).At(line)
	switch {
	case spec.Name == nil:
		imp.Set("alias", packageName(p))
	case spec.Name.Name == "_":
		return nil
	case spec.Name.Name == ".":
		imp.Add(syntax.N(syntax.ImportName, "*").At(line))
	default:
		imp.Set("alias", spec.Name.Name)
	}
	return imp
}

var majorVersion = regexp.MustCompile(`^v[0-9]+$`)

// packageName guesses the package name of an import path from its last
// element: "gopkg.in/yaml.v3" is yaml, "github.com/x/go-hclog" is hclog,
// "example.com/mod/v2" is mod.
func packageName(importPath string) string {
	base := path.Base(importPath)
	if majorVersion.MatchString(base) && path.Dir(importPath) != "." {
		base = path.Base(path.Dir(importPath))
	}
	if i := strings.IndexByte(base, '.'); i > 0 {
		base = base[:i]
	}
	base = strings.TrimPrefix(base, "go-")
	return strings.ReplaceAll(base, "-", "_")
}

func (c *converter) funcDecl(d *ast.FuncDecl) *element {
	name := d.Name.Name
	if d.Recv == nil && (name == "init" || name == "_") {
		// a package may declare these in every file
		name += "@" + c.fileName
	}
	fn := syntax.N(syntax.Function, name).At(c.line(d))
	if d.Recv != nil && len(d.Recv.List) > 0 {
		r := d.Recv.List[0]
		fn.Set("receiver", receiverType(r.Type))
		if len(r.Names) > 0 && r.Names[0].Name != "_" {
			fn.Set("recvname", r.Names[0].Name)
		}
	}
	fn.Add(c.params(d.Type.Params)...)
	if d.Body != nil {
		fn.Add(c.block(d.Body.List))
	} else {
		fn.Add(syntax.N(syntax.Block, ""))
	}
	return fn
}

func receiverType(e ast.Expr) string {
	switch t := e.(type) {
	case *ast.StarExpr:
		return receiverType(t.X)
	case *ast.IndexExpr:
		return receiverType(t.X)
	case *ast.IndexListExpr:
		return receiverType(t.X)
	case *ast.Ident:
		return t.Name
	}
	return ""
}

// params lists parameters in order; unnamed ones are called "_".
func (c *converter) params(fl *ast.FieldList) []*element {
	if fl == nil {
		return nil
	}
	var out []*element
	for _, f := range fl.List {
		line := c.line(f)
		if len(f.Names) == 0 {
			out = append(out, syntax.N(syntax.Param, "_").At(line))
			continue
		}
		for _, n := range f.Names {
			out = append(out, syntax.N(syntax.Param, n.Name).At(line))
		}
	}
	return out
}

// genDecl converts type declarations into classes, and var and const
// declarations into assignments.
func (c *converter) genDecl(d *ast.GenDecl) []*element {
	var out []*element
	for _, spec := range d.Specs {
		switch s := spec.(type) {
		case *ast.TypeSpec:
			out = append(out, syntax.N(syntax.Class, s.Name.Name).At(c.line(s)))
		case *ast.ValueSpec:
			if len(s.Values) == 0 {
				continue
			}
			lhs := make([]ast.Expr, len(s.Names))
			for i, n := range s.Names {
				lhs[i] = n
			}
			out = append(out, c.assign(lhs, s.Values, token.DEFINE, c.line(s)))
		}
	}
	return out
}

func (c *converter) block(list []ast.Stmt) *element {
	b := syntax.N(syntax.Block, "")
	for _, s := range list {
		b.Add(c.stmt(s))
	}
	if len(b.Kids) > 0 {
		b.At(b.Kids[0].L)
	}
	return b
}

func (c *converter) stmt(s ast.Stmt) *element {
	if s == nil {
		return nil
	}
	line := c.line(s)
	switch s := s.(type) {
	case *ast.ExprStmt:
		return syntax.N(syntax.ExprStmt, "", c.expr(s.X)).At(line)
	case *ast.AssignStmt:
		return c.assign(s.Lhs, s.Rhs, s.Tok, line)
	case *ast.DeclStmt:
		if gd, ok := s.Decl.(*ast.GenDecl); ok {
			return syntax.N(syntax.Block, "", c.genDecl(gd)...).At(line)
		}
	case *ast.ReturnStmt:
		ret := syntax.N(syntax.Return, "").At(line)
		switch len(s.Results) {
		case 0:
		case 1:
			ret.Add(c.expr(s.Results[0]))
		default:
			ret.Add(c.tuple(s.Results, line))
		}
		return ret
	case *ast.BlockStmt:
		return c.block(s.List)
	case *ast.IfStmt:
		n := syntax.N(syntax.If, "", c.expr(s.Cond), c.block(s.Body.List), c.stmt(s.Else)).At(line)
		return c.withInit(s.Init, n)
	case *ast.ForStmt:
		body := c.block(s.Body.List)
		body.Add(c.stmt(s.Post))
		cond := c.literal("true", "bool", line)
		if s.Cond != nil {
			cond = c.expr(s.Cond)
		}
		return c.withInit(s.Init, syntax.N(syntax.While, "", cond, body).At(line))
	case *ast.RangeStmt:
		var target *element
		switch {
		case s.Key != nil && s.Value != nil:
			target = c.tuple([]ast.Expr{s.Key, s.Value}, line)
		case s.Key != nil:
			target = c.expr(s.Key)
		default:
			target = syntax.N(syntax.Name, "_").At(line)
		}
		return syntax.N(syntax.For, "", target, c.expr(s.X), c.block(s.Body.List)).At(line)
	case *ast.SwitchStmt:
		var pre *element
		if s.Tag != nil {
			pre = syntax.N(syntax.ExprStmt, "", c.expr(s.Tag)).At(line)
		}
		chain := c.clauses(s.Body.List, line)
		return c.withInit(s.Init, syntax.N(syntax.Block, "", pre, chain).At(line))
	case *ast.TypeSwitchStmt:
		return c.withInit(s.Init, syntax.N(syntax.Block, "", c.stmt(s.Assign), c.clauses(s.Body.List, line)).At(line))
	case *ast.SelectStmt:
		return c.clauses(s.Body.List, line)
	case *ast.GoStmt:
		return syntax.N(syntax.ExprStmt, "", c.expr(s.Call)).At(line)
	case *ast.DeferStmt:
		return syntax.N(syntax.ExprStmt, "", c.expr(s.Call)).At(line)
	case *ast.LabeledStmt:
		return c.stmt(s.Stmt)
	case *ast.SendStmt:
		// the channel absorbs what is sent on it
		return syntax.N(syntax.Assign, "", c.expr(s.Chan), c.expr(s.Value)).At(line).Set("op", "<-")
	}
	return nil
}

// withInit prefixes n with the init statement of an if, for or switch.
func (c *converter) withInit(init ast.Stmt, n *element) *element {
	if init == nil {
		return n
	}
	return syntax.N(syntax.Block, "", c.stmt(init), n).At(n.L)
}

// clauses converts the clauses of a switch or select into an if/else
// chain so every branch is joined.
func (c *converter) clauses(list []ast.Stmt, line int) *element {
	var (
		conds  []*element
		bodies []*element
		dflt   *element
	)
	for _, s := range list {
		switch cl := s.(type) {
		case *ast.CaseClause:
			if cl.List == nil {
				dflt = c.block(cl.Body)
				continue
			}
			conds = append(conds, c.tuple(cl.List, c.line(cl)))
			bodies = append(bodies, c.block(cl.Body))
		case *ast.CommClause:
			body := c.block(cl.Body)
			if cl.Comm == nil {
				dflt = body
				continue
			}
			conds = append(conds, c.literal("true", "bool", c.line(cl)))
			bodies = append(bodies, syntax.N(syntax.Block, "", c.stmt(cl.Comm), body).At(c.line(cl)))
		}
	}
	chain := dflt
	for i := len(conds) - 1; i >= 0; i-- {
		chain = syntax.N(syntax.If, "", conds[i], bodies[i], chain).At(conds[i].L)
	}
	if chain == nil {
		chain = syntax.N(syntax.Block, "").At(line)
	}
	return chain
}

// assign converts an assignment. a, b := f() assigns the whole right-hand
// side to a tuple target.
func (c *converter) assign(lhs, rhs []ast.Expr, tok token.Token, line int) *element {
	op := ""
	if tok != token.ASSIGN && tok != token.DEFINE {
		op = tok.String()
	}
	if len(lhs) == len(rhs) {
		if len(lhs) == 1 {
			return syntax.N(syntax.Assign, "", c.expr(lhs[0]), c.expr(rhs[0])).At(line).Set("op", op)
		}
		b := syntax.N(syntax.Block, "").At(line)
		for i := range lhs {
			b.Add(syntax.N(syntax.Assign, "", c.expr(lhs[i]), c.expr(rhs[i])).At(line).Set("op", op))
		}
		return b
	}
	if len(rhs) == 0 {
		return nil
	}
	return syntax.N(syntax.Assign, "", c.tuple(lhs, line), c.expr(rhs[0])).At(line).Set("op", op)
}

func (c *converter) tuple(list []ast.Expr, line int) *element {
	t := syntax.N(syntax.Container, "").At(line).Set("type", "tuple")
	for _, e := range list {
		t.Add(c.expr(e))
	}
	return t
}

func (c *converter) literal(value, typ string, line int) *element {
	return syntax.N(syntax.Literal, value).At(line).Set("type", typ)
}

// expr converts an expression. It never returns nil for a non-nil input,
// so a call always keeps its callee as first child.
func (c *converter) expr(e ast.Expr) *element {
	if e == nil {
		return nil
	}
	e = astutil.Unparen(e)
	line := c.line(e)
	switch e := e.(type) {
	case *ast.Ident:
		switch e.Name {
		case "nil":
			return c.literal("nil", "none", line)
		case "true", "false":
			return c.literal(e.Name, "bool", line)
		}
		return syntax.N(syntax.Name, e.Name).At(line)
	case *ast.BasicLit:
		if e.Kind == token.STRING {
			v, err := strconv.Unquote(e.Value)
			if err != nil {
				v = e.Value
			}
			return c.literal(v, "string", line)
		}
		return c.literal(e.Value, "number", line)
	case *ast.SelectorExpr:
		return syntax.N(syntax.Attribute, c.text(e), c.expr(e.X)).At(line).Set("attr", e.Sel.Name)
	case *ast.CallExpr:
		call := syntax.N(syntax.Call, c.text(e.Fun), c.expr(e.Fun)).At(line).Set("src", c.text(e))
		for _, a := range e.Args {
			call.Add(c.expr(a))
		}
		return call
	case *ast.BinaryExpr:
		return syntax.N(syntax.Binary, e.Op.String(), c.expr(e.X), c.expr(e.Y)).At(line)
	case *ast.UnaryExpr:
		return syntax.N(syntax.Unary, e.Op.String(), c.expr(e.X)).At(line)
	case *ast.StarExpr:
		return syntax.N(syntax.Unary, "*", c.expr(e.X)).At(line)
	case *ast.IndexExpr:
		return syntax.N(syntax.Subscript, c.text(e), c.expr(e.X), c.expr(e.Index)).At(line)
	case *ast.IndexListExpr:
		return c.expr(e.X)
	case *ast.SliceExpr:
		return syntax.N(syntax.Subscript, c.text(e), c.expr(e.X)).At(line)
	case *ast.TypeAssertExpr:
		return syntax.N(syntax.Unary, "", c.expr(e.X)).At(line)
	case *ast.KeyValueExpr:
		return c.expr(e.Value)
	case *ast.CompositeLit:
		typ := "list"
		if _, ok := e.Type.(*ast.MapType); ok {
			typ = "dict"
		}
		lit := syntax.N(syntax.Container, "").At(line).Set("type", typ)
		for _, el := range e.Elts {
			lit.Add(c.expr(el))
		}
		return lit
	case *ast.FuncLit:
		return syntax.N(syntax.Lambda, "", c.block(e.Body.List)).At(line)
	}
	// type expressions: []byte(x), map[string]int{...} callee, etc.
	return syntax.N(syntax.Name, c.text(e)).At(line)
}
