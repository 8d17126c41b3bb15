package syntax

import "strconv"

// ModuleFunc names the synthetic function holding top-level statements.
const ModuleFunc = "<module>"

// FuncDecl is a function found in a file. The graph builder and the taint
// tracker both enumerate functions through Functions so they agree on names.
type FuncDecl struct {
	Name   string // unique within the file; "Class.method" for methods
	Class  string
	Node   Node
	Line   int
	Params []string
	Body   Node
}

// ClassDecl is a class found in a file.
type ClassDecl struct {
	Name string
	Line int
}

// Functions lists the functions of a file in source order, preceded by the
// synthetic module function when the file has top-level statements.
// Duplicate names get an "@line" suffix.
func Functions(root Node) []FuncDecl {
	c := collector{seen: make(map[string]bool)}
	var top []Node
	for _, n := range root.Children() {
		switch n.Kind() {
		case Function:
			c.function(n, "")
		case Class:
			c.class(n, "")
		case Import:
		default:
			top = append(top, n)
		}
	}
	if len(top) > 0 {
		mod := FuncDecl{Name: ModuleFunc, Node: root, Line: 1, Body: stmtList(top)}
		c.funcs = append([]FuncDecl{mod}, c.funcs...)
	}
	return c.funcs
}

// Classes lists the classes of a file, nested ones qualified with their
// enclosing class.
func Classes(root Node) []ClassDecl {
	c := collector{seen: make(map[string]bool)}
	for _, n := range root.Children() {
		if n.Kind() == Class {
			c.class(n, "")
		}
	}
	return c.classes
}

type collector struct {
	funcs   []FuncDecl
	classes []ClassDecl
	seen    map[string]bool
}

func (c *collector) unique(name string, line int) string {
	if c.seen[name] {
		name += "@" + strconv.Itoa(line)
	}
	c.seen[name] = true
	return name
}

func (c *collector) function(n Node, owner string) {
	d := FuncDecl{
		Name:   c.unique(FunctionName(n, owner), n.Line()),
		Class:  owner,
		Node:   n,
		Line:   n.Line(),
		Params: Params(n),
		Body:   Body(n),
	}
	if d.Class == "" {
		d.Class = n.Attr("receiver")
	}
	c.funcs = append(c.funcs, d)
	if d.Body != nil {
		c.nested(d.Body)
	}
}

// nested collects functions and classes declared inside a body.
func (c *collector) nested(body Node) {
	for _, n := range body.Children() {
		switch n.Kind() {
		case Function:
			c.function(n, "")
		case Class:
			c.class(n, "")
		case Block, If, For, While, With, Try:
			c.nested(n)
		}
	}
}

func (c *collector) class(n Node, outer string) {
	name := n.Text()
	if outer != "" {
		name = outer + "." + name
	}
	c.classes = append(c.classes, ClassDecl{Name: name, Line: n.Line()})
	for _, m := range n.Children() {
		switch m.Kind() {
		case Function:
			c.function(m, name)
		case Class:
			c.class(m, name)
		}
	}
}

// stmtList is a block built from existing statements.
type stmtList []Node

func (s stmtList) Kind() Kind           { return Block }
func (s stmtList) Text() string         { return "" }
func (s stmtList) Attr(string) string   { return "" }
func (s stmtList) Children() []Node     { return s }
func (s stmtList) Line() int {
	if len(s) == 0 {
		return 0
	}
	return s[0].Line()
}
