package pyadapter

import (
	"fmt"
	"strings"

	"github.com/1homsi/taintflow/internal/syntax"
)

type elem = syntax.Element

// binding powers, weakest first
const (
	precLowest = iota
	precWalrus
	precTernary
	precOr
	precAnd
	precNot
	precCompare
	precBitOr
	precXor
	precBitAnd
	precShift
	precArith
	precTerm
	precUnary
	precPower
	precAwait
	precPostfix
)

var binaryPrec = map[string]int{
	"|": precBitOr, "^": precXor, "&": precBitAnd,
	"<<": precShift, ">>": precShift,
	"+": precArith, "-": precArith,
	"*": precTerm, "/": precTerm, "//": precTerm, "%": precTerm, "@": precTerm,
	"**": precPower,
	"<": precCompare, ">": precCompare, "==": precCompare,
	">=": precCompare, "<=": precCompare, "!=": precCompare,
	":=": precWalrus,
	"(": precPostfix, "[": precPostfix, ".": precPostfix,
}

var augOps = map[string]bool{
	"+=": true, "-=": true, "*=": true, "/=": true, "//=": true, "%=": true,
	"**=": true, ">>=": true, "<<=": true, "&=": true, "|=": true, "^=": true, "@=": true,
}

var reserved = map[string]bool{
	"and": true, "as": true, "assert": true, "async": true, "await": true,
	"break": true, "class": true, "continue": true, "def": true, "del": true,
	"elif": true, "else": true, "except": true, "finally": true, "for": true,
	"from": true, "global": true, "if": true, "import": true, "in": true,
	"is": true, "lambda": true, "nonlocal": true, "not": true, "or": true,
	"pass": true, "raise": true, "return": true, "try": true, "while": true,
	"with": true, "yield": true,
}

// matchSubject holds the subject of a match statement for its case arms.
const matchSubject = "<match>"

type parser struct {
	src  string
	toks []token
	i    int
}

// parse builds the module tree of one Python source file.
func parse(src string) (root *elem, err error) {
	toks, err := tokenize(src)
	if err != nil {
		return nil, err
	}
	p := &parser{src: src, toks: toks}
	defer func() {
		if r := recover(); r != nil {
			se, ok := r.(*syntaxError)
			if !ok {
				panic(r)
			}
			root, err = nil, se
		}
	}()
	return p.file(), nil
}

func (p *parser) tok() token { return p.toks[p.i] }

func (p *parser) peek(n int) token {
	if p.i+n < len(p.toks) {
		return p.toks[p.i+n]
	}
	return p.toks[len(p.toks)-1]
}

func (p *parser) next() token {
	t := p.toks[p.i]
	if p.i < len(p.toks)-1 {
		p.i++
	}
	return t
}

// end is the offset after the last consumed token.
func (p *parser) end() int {
	if p.i == 0 {
		return 0
	}
	return p.toks[p.i-1].end
}

func (p *parser) isOp(s string) bool { return p.tok().is(tOp, s) }
func (p *parser) isKw(s string) bool { return p.tok().is(tName, s) }

func (p *parser) accept(s string) bool {
	t := p.tok()
	if (t.kind == tOp || t.kind == tName) && t.text == s {
		p.next()
		return true
	}
	return false
}

func (p *parser) expect(s string) token {
	t := p.tok()
	if (t.kind == tOp || t.kind == tName) && t.text == s {
		return p.next()
	}
	p.fail(t, "expected %q, found %s", s, describe(t))
	return t
}

func (p *parser) expectName() string {
	t := p.tok()
	if t.kind != tName {
		p.fail(t, "expected a name, found %s", describe(t))
	}
	p.next()
	return t.text
}

func (p *parser) fail(t token, format string, args ...any) {
	panic(&syntaxError{line: t.line, msg: fmt.Sprintf(format, args...)})
}

func describe(t token) string {
	if t.kind == tOp || t.kind == tName {
		return fmt.Sprintf("%q", t.text)
	}
	return t.kind.String()
}

// compact collapses the whitespace of a source slice.
func compact(s string) string { return strings.Join(strings.Fields(s), " ") }

// textOf is the text a name, attribute or other expression is known by.
func (p *parser) textOf(e *elem, start, end int) string {
	if e.K == syntax.Name || e.K == syntax.Attribute {
		return e.T
	}
	return compact(p.src[start:end])
}

// ---- statements ----

func (p *parser) file() *elem {
	mod := syntax.N(syntax.Module, "")
	for p.tok().kind != tEOF {
		mod.Add(p.statement()...)
	}
	return mod
}

func (p *parser) statement() []*elem {
	t := p.tok()
	switch t.kind {
	case tIndent:
		p.fail(t, "unexpected indent")
	case tDedent:
		p.fail(t, "unexpected dedent")
	case tNewline:
		p.next()
		return nil
	case tName:
		switch t.text {
		case "def":
			return []*elem{p.funcDef(nil)}
		case "class":
			return []*elem{p.classDef(nil)}
		case "if":
			return []*elem{p.ifStmt()}
		case "for":
			return p.forStmt()
		case "while":
			return p.whileStmt()
		case "with":
			return []*elem{p.withStmt()}
		case "try":
			return []*elem{p.tryStmt()}
		case "async":
			if n := p.peek(1); n.is(tName, "def") || n.is(tName, "for") || n.is(tName, "with") {
				p.next()
				return p.statement()
			}
		case "match":
			if p.isMatch() {
				return p.matchStmt()
			}
		}
	case tOp:
		if t.text == "@" {
			return []*elem{p.decorated()}
		}
	}
	return p.simpleStmts()
}

func (p *parser) simpleStmts() []*elem {
	var out []*elem
	for {
		out = append(out, p.smallStmt()...)
		if !p.accept(";") {
			break
		}
		if k := p.tok().kind; k == tNewline || k == tEOF {
			break
		}
	}
	p.endLine()
	return out
}

func (p *parser) endLine() {
	switch t := p.tok(); t.kind {
	case tNewline:
		p.next()
	case tEOF:
	default:
		p.fail(t, "expected end of line, found %s", describe(t))
	}
}

func (p *parser) smallStmt() []*elem {
	t := p.tok()
	if t.kind == tName {
		switch t.text {
		case "pass", "break", "continue":
			p.next()
			return nil
		case "return":
			p.next()
			var v *elem
			if p.canStart() {
				v = p.exprList(precLowest)
			}
			return []*elem{syntax.N(syntax.Return, "", v).At(t.line)}
		case "raise":
			p.next()
			if !p.canStart() {
				return nil
			}
			e := p.expr(precLowest)
			if p.accept("from") {
				p.expr(precLowest)
			}
			return []*elem{syntax.N(syntax.ExprStmt, "", e).At(t.line)}
		case "global", "nonlocal":
			p.next()
			for {
				p.expectName()
				if !p.accept(",") {
					return nil
				}
			}
		case "del":
			p.next()
			p.exprList(precLowest)
			return nil
		case "assert":
			p.next()
			c := p.expr(precLowest)
			if p.accept(",") {
				p.expr(precLowest)
			}
			return []*elem{syntax.N(syntax.ExprStmt, "", c).At(t.line)}
		case "import":
			return p.importStmt()
		case "from":
			return []*elem{p.fromStmt()}
		case "type":
			if n := p.peek(1); n.kind == tName && (p.peek(2).is(tOp, "=") || p.peek(2).is(tOp, "[")) {
				return []*elem{p.typeAlias()}
			}
		}
	}
	if s := p.exprStmt(); s != nil {
		return []*elem{s}
	}
	return nil
}

func (p *parser) exprStmt() *elem {
	start := p.tok()
	lhs := p.exprList(precLowest)
	t := p.tok()
	switch {
	case t.kind == tOp && augOps[t.text]:
		p.next()
		v := p.exprList(precLowest)
		return syntax.N(syntax.Assign, "", lhs, v).At(start.line).Set("op", t.text)
	case t.is(tOp, ":"):
		// annotated assignment; a bare annotation binds nothing
		p.next()
		p.expr(precLowest)
		if p.accept("=") {
			v := p.exprList(precLowest)
			return syntax.N(syntax.Assign, "", lhs, v).At(start.line).Set("op", "=")
		}
		return nil
	case t.is(tOp, "="):
		exprs := []*elem{lhs}
		for p.accept("=") {
			exprs = append(exprs, p.exprList(precLowest))
		}
		// a = b = v nests as a = (b = v)
		node := exprs[len(exprs)-1]
		for i := len(exprs) - 2; i >= 0; i-- {
			node = syntax.N(syntax.Assign, "", exprs[i], node).At(start.line).Set("op", "=")
		}
		return node
	}
	if lhs.K == syntax.Literal || lhs.K == syntax.Format {
		// docstrings and other bare constants
		return nil
	}
	return syntax.N(syntax.ExprStmt, "", lhs).At(start.line)
}

// typeAlias parses `type X[T] = value`. The alias value is evaluated
// lazily and carries no data, so X is bound to None.
func (p *parser) typeAlias() *elem {
	line := p.expect("type").line
	name := p.tok()
	p.expectName()
	if p.accept("[") {
		for depth := 1; depth > 0; {
			t := p.next()
			switch {
			case t.kind == tEOF || t.kind == tNewline:
				p.fail(t, "unclosed type parameter list")
			case t.is(tOp, "["):
				depth++
			case t.is(tOp, "]"):
				depth--
			}
		}
	}
	p.expect("=")
	p.expr(precLowest)
	target := syntax.N(syntax.Name, name.text).At(name.line)
	none := syntax.N(syntax.Literal, "None").At(line).Set("type", "none")
	return syntax.N(syntax.Assign, "", target, none).At(line).Set("op", "=")
}

func (p *parser) importStmt() []*elem {
	line := p.expect("import").line
	var out []*elem
	for {
		spec := p.dottedName()
		alias := ""
		if p.accept("as") {
			alias = p.expectName()
		}
		out = append(out, syntax.N(syntax.Import, spec).At(line).Set("alias", alias))
		if !p.accept(",") {
			return out
		}
	}
}

func (p *parser) dottedName() string {
	name := p.expectName()
	for p.isOp(".") {
		p.next()
		name += "." + p.expectName()
	}
	return name
}

func (p *parser) fromStmt() *elem {
	line := p.expect("from").line
	var spec strings.Builder
	for p.isOp(".") || p.isOp("...") {
		spec.WriteString(p.next().text)
	}
	if !p.isKw("import") {
		spec.WriteString(p.dottedName())
	}
	p.expect("import")
	imp := syntax.N(syntax.Import, spec.String()).At(line)
	if p.accept("*") {
		return imp.Add(syntax.N(syntax.ImportName, "*").At(line))
	}
	paren := p.accept("(")
	for {
		name := p.expectName()
		alias := ""
		if p.accept("as") {
			alias = p.expectName()
		}
		imp.Add(syntax.N(syntax.ImportName, name).At(line).Set("alias", alias))
		if !p.accept(",") || paren && p.isOp(")") {
			break
		}
	}
	if paren {
		p.expect(")")
	}
	return imp
}

// suite parses ":" followed by an indented block or a same-line body.
func (p *parser) suite() *elem {
	p.expect(":")
	blk := syntax.N(syntax.Block, "")
	if p.tok().kind != tNewline {
		return blk.Add(p.simpleStmts()...)
	}
	p.next()
	if t := p.tok(); t.kind != tIndent {
		p.fail(t, "expected an indented block")
	}
	p.next()
	for k := p.tok().kind; k != tDedent && k != tEOF; k = p.tok().kind {
		blk.Add(p.statement()...)
	}
	if p.tok().kind == tDedent {
		p.next()
	}
	return blk
}

func (p *parser) decorated() *elem {
	var decos []string
	for p.isOp("@") {
		p.next()
		start := p.tok().pos
		p.expr(precLowest)
		decos = append(decos, compact(p.src[start:p.end()]))
		p.endLine()
	}
	p.accept("async")
	switch t := p.tok(); {
	case t.is(tName, "def"):
		return p.funcDef(decos)
	case t.is(tName, "class"):
		return p.classDef(decos)
	default:
		p.fail(t, "expected def or class after decorator, found %s", describe(t))
		return nil
	}
}

func (p *parser) funcDef(decos []string) *elem {
	line := p.expect("def").line
	name := p.expectName()
	p.expect("(")
	params := p.params(")")
	if p.accept("->") {
		p.expr(precLowest)
	}
	body := p.suite()
	fn := syntax.N(syntax.Function, name).At(line).Set("decorators", strings.Join(decos, ","))
	for _, ps := range params {
		fn.Add(syntax.N(syntax.Param, ps).At(line))
	}
	return fn.Add(body)
}

// params reads a parameter list up to and including closer. Defaults and
// annotations are parsed and dropped.
func (p *parser) params(closer string) []string {
	var names []string
	for !p.isOp(closer) {
		switch {
		case p.isOp("/"):
			p.next()
		case p.isOp("*") && p.peek(1).kind != tName:
			p.next()
		default:
			if !p.accept("*") {
				p.accept("**")
			}
			names = append(names, p.expectName())
			if closer == ")" && p.accept(":") {
				p.expr(precLowest)
			}
			if p.accept("=") {
				p.expr(precLowest)
			}
		}
		if !p.accept(",") {
			break
		}
	}
	p.expect(closer)
	return names
}

func (p *parser) classDef(decos []string) *elem {
	line := p.expect("class").line
	name := p.expectName()
	var bases []string
	if p.accept("(") {
		for !p.isOp(")") {
			if p.tok().kind == tName && p.peek(1).is(tOp, "=") {
				p.next()
				p.next()
				p.expr(precLowest)
			} else {
				start := p.tok().pos
				p.expr(precLowest)
				bases = append(bases, compact(p.src[start:p.end()]))
			}
			if !p.accept(",") {
				break
			}
		}
		p.expect(")")
	}
	body := p.suite()
	cls := syntax.N(syntax.Class, name).At(line).
		Set("bases", strings.Join(bases, ",")).
		Set("decorators", strings.Join(decos, ","))
	return cls.Add(body.Kids...)
}

// ifStmt parses an if or elif clause and the chain after it.
func (p *parser) ifStmt() *elem {
	line := p.next().line
	cond := p.expr(precLowest)
	node := syntax.N(syntax.If, "", cond, p.suite()).At(line)
	switch {
	case p.isKw("elif"):
		node.Add(p.ifStmt())
	case p.accept("else"):
		node.Add(p.suite())
	}
	return node
}

func (p *parser) forStmt() []*elem {
	line := p.expect("for").line
	target := p.exprList(precCompare)
	p.expect("in")
	iter := p.exprList(precLowest)
	loop := syntax.N(syntax.For, "", target, iter, p.suite()).At(line)
	if p.accept("else") {
		return []*elem{loop, p.suite()}
	}
	return []*elem{loop}
}

func (p *parser) whileStmt() []*elem {
	line := p.expect("while").line
	cond := p.expr(precLowest)
	loop := syntax.N(syntax.While, "", cond, p.suite()).At(line)
	if p.accept("else") {
		return []*elem{loop, p.suite()}
	}
	return []*elem{loop}
}

func (p *parser) withStmt() *elem {
	line := p.expect("with").line
	w := syntax.N(syntax.With, "").At(line)
	paren := p.isOp("(") && p.parenthesizedItems()
	if paren {
		p.next()
	}
	for {
		if paren && p.isOp(")") {
			break
		}
		ctx := p.expr(precLowest)
		if p.accept("as") {
			target := p.expr(precCompare)
			w.Add(syntax.N(syntax.Assign, "", target, ctx).At(ctx.L).Set("op", "="))
		} else {
			w.Add(syntax.N(syntax.ExprStmt, "", ctx).At(ctx.L))
		}
		if !p.accept(",") {
			break
		}
	}
	if paren {
		p.expect(")")
	}
	return w.Add(p.suite())
}

// parenthesizedItems reports whether the "(" at the cursor encloses the
// whole item list of a with statement.
func (p *parser) parenthesizedItems() bool {
	depth := 0
	for j := p.i; j < len(p.toks); j++ {
		t := p.toks[j]
		switch {
		case t.kind == tNewline || t.kind == tEOF:
			return false
		case t.is(tOp, "(") || t.is(tOp, "[") || t.is(tOp, "{"):
			depth++
		case t.is(tOp, ")") || t.is(tOp, "]") || t.is(tOp, "}"):
			depth--
			if depth == 0 {
				return j+1 < len(p.toks) && p.toks[j+1].is(tOp, ":")
			}
		}
	}
	return false
}

func (p *parser) tryStmt() *elem {
	line := p.expect("try").line
	tr := syntax.N(syntax.Try, "", p.suite()).At(line)
	for p.isKw("except") {
		p.next()
		p.accept("*")
		if !p.isOp(":") {
			p.expr(precLowest)
			if p.accept("as") {
				p.expectName()
			}
		}
		tr.Add(p.suite())
	}
	if p.accept("else") {
		tr.Add(p.suite())
	}
	if p.accept("finally") {
		tr.Add(p.suite())
	}
	return tr
}

// isMatch tells a match statement from a use of the name "match": the
// logical line must end in ":" and open a block of case clauses.
func (p *parser) isMatch() bool {
	if n := p.peek(1); n.kind == tOp && n.text != "(" && n.text != "[" && n.text != "{" && n.text != "-" && n.text != "*" {
		return false
	}
	for j := p.i + 1; j+2 < len(p.toks); j++ {
		if p.toks[j].kind == tNewline {
			return p.toks[j-1].is(tOp, ":") && p.toks[j+1].kind == tIndent && p.toks[j+2].is(tName, "case")
		}
	}
	return false
}

// matchStmt lowers a match statement into an if chain. Each arm first
// binds its pattern from the subject.
func (p *parser) matchStmt() []*elem {
	line := p.expect("match").line
	subject := p.exprList(precLowest)
	bind := syntax.N(syntax.Assign, "", syntax.N(syntax.Name, matchSubject).At(line), subject).At(line).Set("op", "=")
	p.expect(":")
	p.endLine()
	if t := p.tok(); t.kind != tIndent {
		p.fail(t, "expected an indented block")
	}
	p.next()

	type arm struct {
		cond *elem
		body *elem
	}
	var arms []arm
	for p.isKw("case") {
		cl := p.next().line
		pat := p.exprList(precTernary)
		binds := []*elem{p.bindSubject(pat, cl)}
		if p.accept("as") {
			binds = append(binds, p.bindSubject(syntax.N(syntax.Name, p.expectName()).At(cl), cl))
		}
		cond := syntax.N(syntax.Literal, "True").At(cl).Set("type", "bool")
		if p.accept("if") {
			cond = p.expr(precLowest)
		}
		body := p.suite()
		body.Kids = append(binds, body.Kids...)
		arms = append(arms, arm{cond: cond, body: body})
	}
	if p.tok().kind == tDedent {
		p.next()
	}

	var chain *elem
	for i := len(arms) - 1; i >= 0; i-- {
		chain = syntax.N(syntax.If, "", arms[i].cond, arms[i].body, chain).At(arms[i].cond.L)
	}
	return []*elem{bind, chain}
}

func (p *parser) bindSubject(target *elem, line int) *elem {
	return syntax.N(syntax.Assign, "", target, syntax.N(syntax.Name, matchSubject).At(line)).At(line).Set("op", "=")
}

// ---- expressions ----

// canStart reports whether the current token can begin an expression.
func (p *parser) canStart() bool {
	t := p.tok()
	switch t.kind {
	case tName:
		switch t.text {
		case "not", "lambda", "await", "yield":
			return true
		}
		return !reserved[t.text]
	case tNumber, tString:
		return true
	case tOp:
		switch t.text {
		case "(", "[", "{", "-", "+", "~", "*", "**", "...":
			return true
		}
	}
	return false
}

// exprList parses one expression or a bare tuple of them.
func (p *parser) exprList(minPrec int) *elem {
	start := p.tok()
	first := p.expr(minPrec)
	if !p.isOp(",") {
		return first
	}
	elems := []*elem{first}
	for p.accept(",") {
		if !p.canStart() {
			break
		}
		elems = append(elems, p.expr(minPrec))
	}
	return syntax.N(syntax.Container, "", elems...).At(start.line).Set("type", "tuple")
}

func (p *parser) expr(minPrec int) *elem {
	start := p.tok()
	left := p.prefix()
	for {
		t := p.tok()
		prec, ok := p.infixPrec(t)
		if !ok || prec <= minPrec {
			return left
		}
		left = p.infix(left, start, prec)
	}
}

func (p *parser) infixPrec(t token) (int, bool) {
	switch t.kind {
	case tOp:
		prec, ok := binaryPrec[t.text]
		return prec, ok
	case tName:
		switch t.text {
		case "if":
			return precTernary, true
		case "or":
			return precOr, true
		case "and":
			return precAnd, true
		case "in", "is":
			return precCompare, true
		case "not":
			if p.peek(1).is(tName, "in") {
				return precCompare, true
			}
		}
	}
	return 0, false
}

func (p *parser) infix(left *elem, start token, prec int) *elem {
	leftEnd := p.end()
	t := p.next()
	switch t.text {
	case "(":
		return p.call(left, start, leftEnd)
	case "[":
		return p.subscript(left, start)
	case ".":
		attr := p.expectName()
		text := p.textOf(left, start.pos, leftEnd) + "." + attr
		return syntax.N(syntax.Attribute, text, left).At(start.line).Set("attr", attr)
	case "if":
		cond := p.expr(precTernary)
		p.expect("else")
		alt := p.expr(precTernary - 1)
		return syntax.N(syntax.Ternary, "", left, cond, alt).At(start.line)
	case ":=":
		v := p.expr(precWalrus)
		return syntax.N(syntax.Assign, "", left, v).At(start.line).Set("op", ":=")
	case "**":
		// right associative
		r := p.expr(prec - 1)
		return syntax.N(syntax.Binary, "**", left, r).At(start.line)
	}
	op := t.text
	switch {
	case t.is(tName, "not"):
		p.expect("in")
		op = "not in"
	case t.is(tName, "is") && p.accept("not"):
		op = "is not"
	}
	r := p.expr(prec)
	return syntax.N(syntax.Binary, op, left, r).At(start.line)
}

func (p *parser) prefix() *elem {
	t := p.tok()
	switch t.kind {
	case tNumber:
		p.next()
		return syntax.N(syntax.Literal, t.text).At(t.line).Set("type", "number")
	case tString:
		return p.strings()
	case tName:
		switch t.text {
		case "True", "False":
			p.next()
			return syntax.N(syntax.Literal, t.text).At(t.line).Set("type", "bool")
		case "None":
			p.next()
			return syntax.N(syntax.Literal, t.text).At(t.line).Set("type", "none")
		case "not":
			p.next()
			return syntax.N(syntax.Unary, "not", p.expr(precNot)).At(t.line)
		case "await":
			p.next()
			return syntax.N(syntax.Unary, "await", p.expr(precAwait)).At(t.line)
		case "lambda":
			p.next()
			p.params(":")
			return syntax.N(syntax.Lambda, "", p.expr(precLowest)).At(t.line)
		case "yield":
			p.next()
			if p.accept("from") {
				return syntax.N(syntax.Unary, "yield from", p.expr(precLowest)).At(t.line)
			}
			var v *elem
			if p.canStart() {
				v = p.exprList(precLowest)
			}
			return syntax.N(syntax.Unary, "yield", v).At(t.line)
		}
		if reserved[t.text] {
			break
		}
		p.next()
		return syntax.N(syntax.Name, t.text).At(t.line)
	case tOp:
		switch t.text {
		case "(":
			return p.paren()
		case "[":
			return p.list()
		case "{":
			return p.brace()
		case "-", "+", "~":
			p.next()
			return syntax.N(syntax.Unary, t.text, p.expr(precUnary)).At(t.line)
		case "*", "**":
			p.next()
			return syntax.N(syntax.Unary, t.text, p.expr(precCompare)).At(t.line)
		case "...":
			p.next()
			return syntax.N(syntax.Literal, "...").At(t.line).Set("type", "none")
		}
	}
	p.fail(t, "unexpected %s", describe(t))
	return nil
}

func (p *parser) call(callee *elem, start token, calleeEnd int) *elem {
	var args []*elem
	for !p.isOp(")") {
		var arg *elem
		if t := p.tok(); t.kind == tName && p.peek(1).is(tOp, "=") {
			p.next()
			p.next()
			v := p.expr(precLowest)
			arg = syntax.N(syntax.Keyword, t.text, v).At(v.L)
		} else {
			arg = p.expr(precLowest)
			if p.isKw("for") || p.isKw("async") {
				arg = p.comprehension(arg.L, arg)
			}
		}
		args = append(args, arg)
		if !p.accept(",") {
			break
		}
	}
	p.expect(")")
	text := p.textOf(callee, start.pos, calleeEnd)
	return syntax.N(syntax.Call, text, append([]*elem{callee}, args...)...).
		At(start.line).
		Set("src", p.src[start.pos:p.end()])
}

func (p *parser) subscript(obj *elem, start token) *elem {
	idx := p.sliceItem()
	if p.isOp(",") {
		items := []*elem{idx}
		for p.accept(",") && !p.isOp("]") {
			items = append(items, p.sliceItem())
		}
		idx = syntax.N(syntax.Container, "", items...).At(idx.L).Set("type", "tuple")
	}
	p.expect("]")
	text := compact(p.src[start.pos:p.end()])
	return syntax.N(syntax.Subscript, text, obj, idx).At(start.line)
}

// sliceItem parses an index or a start:stop:step slice; a slice becomes a
// tuple of its present bounds.
func (p *parser) sliceItem() *elem {
	line := p.tok().line
	var parts []*elem
	if !p.isOp(":") {
		parts = append(parts, p.expr(precLowest))
	}
	slice := false
	for p.isOp(":") {
		slice = true
		p.next()
		if !p.isOp(":") && !p.isOp("]") && !p.isOp(",") {
			parts = append(parts, p.expr(precLowest))
		}
	}
	if !slice {
		return parts[0]
	}
	return syntax.N(syntax.Container, "", parts...).At(line).Set("type", "tuple")
}

// comprehension wraps the element expressions of a comprehension with the
// iterables its for clauses draw from. Targets and filters carry no value.
func (p *parser) comprehension(line int, elts ...*elem) *elem {
	c := syntax.N(syntax.Container, "", elts...).At(line).Set("type", "comprehension")
	for p.isKw("for") || p.isKw("async") && p.peek(1).is(tName, "for") {
		p.accept("async")
		p.expect("for")
		p.exprList(precCompare)
		p.expect("in")
		c.Add(p.expr(precTernary))
		for p.accept("if") {
			p.expr(precTernary)
		}
	}
	return c
}

func (p *parser) paren() *elem {
	open := p.expect("(")
	if p.accept(")") {
		return syntax.N(syntax.Container, "").At(open.line).Set("type", "tuple")
	}
	first := p.expr(precLowest)
	if p.isKw("for") || p.isKw("async") {
		c := p.comprehension(open.line, first)
		p.expect(")")
		return c
	}
	if !p.isOp(",") {
		p.expect(")")
		return first
	}
	elems := []*elem{first}
	for p.accept(",") && !p.isOp(")") {
		elems = append(elems, p.expr(precLowest))
	}
	p.expect(")")
	return syntax.N(syntax.Container, "", elems...).At(open.line).Set("type", "tuple")
}

func (p *parser) list() *elem {
	open := p.expect("[")
	if p.accept("]") {
		return syntax.N(syntax.Container, "").At(open.line).Set("type", "list")
	}
	first := p.expr(precLowest)
	if p.isKw("for") || p.isKw("async") {
		c := p.comprehension(open.line, first)
		p.expect("]")
		return c
	}
	elems := []*elem{first}
	for p.accept(",") && !p.isOp("]") {
		elems = append(elems, p.expr(precLowest))
	}
	p.expect("]")
	return syntax.N(syntax.Container, "", elems...).At(open.line).Set("type", "list")
}

// brace parses a dict or set display. Dict keys and values are both
// elements of the container.
func (p *parser) brace() *elem {
	open := p.expect("{")
	if p.accept("}") {
		return syntax.N(syntax.Container, "").At(open.line).Set("type", "dict")
	}
	kind := "set"
	var elems []*elem
	entry := func() {
		if p.isOp("**") {
			kind = "dict"
			elems = append(elems, p.expr(precLowest))
			return
		}
		k := p.expr(precLowest)
		elems = append(elems, k)
		if p.accept(":") {
			kind = "dict"
			elems = append(elems, p.expr(precLowest))
		}
	}
	entry()
	if p.isKw("for") || p.isKw("async") {
		c := p.comprehension(open.line, elems...)
		p.expect("}")
		return c
	}
	for p.accept(",") && !p.isOp("}") {
		entry()
	}
	p.expect("}")
	return syntax.N(syntax.Container, "", elems...).At(open.line).Set("type", kind)
}

// strings joins adjacent string literals. Any f-string among them turns
// the whole run into a format node over its interpolations.
func (p *parser) strings() *elem {
	first := p.tok()
	var body strings.Builder
	var parts []*elem
	format := false
	for p.tok().kind == tString {
		t := p.next()
		body.WriteString(t.text)
		if strings.Contains(t.prefix, "f") {
			format = true
			parts = append(parts, p.interpolations(t)...)
		}
	}
	if format {
		return syntax.N(syntax.Format, body.String(), parts...).At(first.line)
	}
	return syntax.N(syntax.Literal, body.String()).At(first.line).Set("type", "string")
}

func (p *parser) interpolations(t token) []*elem {
	s := t.text
	line := t.line
	var out []*elem
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '\n':
			line++
		case '{':
			if i+1 < len(s) && s[i+1] == '{' {
				i++
				continue
			}
			j := closingBrace(s, i)
			if j < 0 {
				p.fail(t, "f-string: expecting '}'")
			}
			field := replacementField(s[i+1 : j])
			if strings.TrimSpace(field) != "" {
				out = append(out, p.subExpr(field, line, t))
			}
			line += strings.Count(s[i:j], "\n")
			i = j
		}
	}
	return out
}

// subExpr parses an expression embedded in an f-string.
func (p *parser) subExpr(src string, line int, at token) *elem {
	wrapped := "(" + src + ")"
	toks, err := tokenize(wrapped)
	if err != nil {
		p.fail(at, "f-string: %v", err)
	}
	for i := range toks {
		toks[i].line += line - 1
	}
	sub := &parser{src: wrapped, toks: toks}
	e := sub.expr(precLowest)
	if k := sub.tok().kind; k != tNewline && k != tEOF {
		p.fail(at, "f-string: invalid expression")
	}
	return e
}

// closingBrace finds the "}" ending the replacement field opened at i.
func closingBrace(s string, i int) int {
	depth := 0
	var quote byte
	for j := i + 1; j < len(s); j++ {
		c := s[j]
		switch {
		case quote != 0:
			if c == quote {
				quote = 0
			}
		case c == '\'' || c == '"':
			quote = c
		case c == '(' || c == '[' || c == '{':
			depth++
		case c == ')' || c == ']':
			depth--
		case c == '}':
			if depth == 0 {
				return j
			}
			depth--
		}
	}
	return -1
}

// replacementField strips the conversion, format spec and "=" debug
// marker from the body of a replacement field.
func replacementField(f string) string {
	depth := 0
	var quote byte
	for j := 0; j < len(f); j++ {
		c := f[j]
		switch {
		case quote != 0:
			if c == quote {
				quote = 0
			}
		case c == '\'' || c == '"':
			quote = c
		case c == '(' || c == '[' || c == '{':
			depth++
		case c == ')' || c == ']' || c == '}':
			depth--
		case depth == 0 && c == '!' && (j+1 >= len(f) || f[j+1] != '='):
			f = f[:j]
		case depth == 0 && c == ':':
			f = f[:j]
		}
	}
	trimmed := strings.TrimRight(f, " ")
	if strings.HasSuffix(trimmed, "=") && !strings.HasSuffix(trimmed, "==") &&
		!strings.HasSuffix(trimmed, "!=") && !strings.HasSuffix(trimmed, "<=") && !strings.HasSuffix(trimmed, ">=") {
		return strings.TrimSuffix(trimmed, "=")
	}
	return f
}
