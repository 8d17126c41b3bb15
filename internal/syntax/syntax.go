// Package syntax defines the language-neutral tree every front-end
// produces and every analysis consumes.
//
// Shape conventions by kind:
//
//	module     children: statements
//	import     text: module spec as written ("app.db", ".db", "./db", "os/exec");
//	           attr alias; children: importname nodes (text "*" for wildcard, attr alias)
//	function   text: name; attr receiver (owning type); children: param..., block
//	class      text: name; children: functions and statements
//	param      text: name
//	block      children: statements
//	assign     attr op; children: target, value
//	return     children: optional value
//	expr       children: expression
//	if         children: condition, block, optional else (block or if)
//	for        children: target, iterable, block
//	while      children: condition, block
//	with       children: assign..., block
//	try        children: block...
//	call       text: callee as written ("cursor.execute", "r.URL.Query().Get");
//	           attr src: source text of the call; children: callee, args..., keyword...
//	name       text: identifier
//	attribute  text: dotted text; attr attr: final segment; children: object
//	subscript  text: source text; children: object, index
//	literal    text: value (unquoted for strings); attr type: string|number|bool|none
//	format     text: template; children: interpolated expressions
//	binary     text: operator; children: left, right
//	unary      text: operator; children: operand
//	container  attr type: list|tuple|dict|set|comprehension; children: elements
//	keyword    text: name; children: value
//	ternary    children: then, condition, else
//	lambda     children: body
package syntax

import (
	"strings"
)

// Kind names a node shape.
type Kind string

const (
	Module     Kind = "module"
	Import     Kind = "import"
	ImportName Kind = "importname"
	Function   Kind = "function"
	Class      Kind = "class"
	Param      Kind = "param"
	Block      Kind = "block"
	Assign     Kind = "assign"
	Return     Kind = "return"
	ExprStmt   Kind = "expr"
	If         Kind = "if"
	For        Kind = "for"
	While      Kind = "while"
	With       Kind = "with"
	Try        Kind = "try"
	Call       Kind = "call"
	Name       Kind = "name"
	Attribute  Kind = "attribute"
	Subscript  Kind = "subscript"
	Literal    Kind = "literal"
	Format     Kind = "format"
	Binary     Kind = "binary"
	Unary      Kind = "unary"
	Container  Kind = "container"
	Keyword    Kind = "keyword"
	Ternary    Kind = "ternary"
	Lambda     Kind = "lambda"
)

// Node is a read-only view of a parsed tree node.
type Node interface {
	Kind() Kind
	Text() string
	Attr(key string) string
	Children() []Node
	Line() int
}

// File is one parsed source file.
type File struct {
	Path     string // project-relative, slash separated
	Language string
	Module   string // module path, see ir.ModulePathFor
	Root     Node
	Err      error // set by the front-end when parsing failed
}

// Element is the concrete Node used by the bundled front-ends.
type Element struct {
	K     Kind              `json:"kind"`
	T     string            `json:"text,omitempty"`
	L     int               `json:"line,omitempty"`
	Attrs map[string]string `json:"attrs,omitempty"`
	Kids  []*Element        `json:"children,omitempty"`
}

// N builds an element. Nil children are dropped.
func N(kind Kind, text string, children ...*Element) *Element {
	e := &Element{K: kind, T: text}
	for _, c := range children {
		if c != nil {
			e.Kids = append(e.Kids, c)
		}
	}
	return e
}

// At sets the line of e and returns it.
func (e *Element) At(line int) *Element {
	e.L = line
	return e
}

// Set stores an attribute and returns e. Empty values are ignored.
func (e *Element) Set(key, value string) *Element {
	if value == "" {
		return e
	}
	if e.Attrs == nil {
		e.Attrs = make(map[string]string)
	}
	e.Attrs[key] = value
	return e
}

// Add appends non-nil children.
func (e *Element) Add(children ...*Element) *Element {
	for _, c := range children {
		if c != nil {
			e.Kids = append(e.Kids, c)
		}
	}
	return e
}

func (e *Element) Kind() Kind           { return e.K }
func (e *Element) Text() string         { return e.T }
func (e *Element) Line() int            { return e.L }
func (e *Element) Attr(k string) string { return e.Attrs[k] }

func (e *Element) Children() []Node {
	out := make([]Node, len(e.Kids))
	for i, c := range e.Kids {
		out[i] = c
	}
	return out
}

// Child returns the i-th child of n, or nil.
func Child(n Node, i int) Node {
	kids := n.Children()
	if i < 0 || i >= len(kids) {
		return nil
	}
	return kids[i]
}

// ChildrenOf returns the children of n with the given kind.
func ChildrenOf(n Node, kind Kind) []Node {
	var out []Node
	for _, c := range n.Children() {
		if c.Kind() == kind {
			out = append(out, c)
		}
	}
	return out
}

// Walk visits n and its descendants depth first. Returning false from fn
// skips the node's children.
func Walk(n Node, fn func(Node) bool) {
	if n == nil || !fn(n) {
		return
	}
	for _, c := range n.Children() {
		Walk(c, fn)
	}
}

// CallArgs splits the children of a call node into its positional
// arguments and keyword arguments.
func CallArgs(call Node) (args []Node, keywords map[string]Node) {
	kids := call.Children()
	if len(kids) == 0 {
		return nil, nil
	}
	for _, c := range kids[1:] {
		if c.Kind() == Keyword {
			if keywords == nil {
				keywords = make(map[string]Node)
			}
			keywords[c.Text()] = Child(c, 0)
			continue
		}
		args = append(args, c)
	}
	return args, keywords
}

// Params returns the parameter names of a function node.
func Params(fn Node) []string {
	var out []string
	for _, p := range ChildrenOf(fn, Param) {
		out = append(out, p.Text())
	}
	return out
}

// Body returns the block of a function node, or nil.
func Body(fn Node) Node {
	blocks := ChildrenOf(fn, Block)
	if len(blocks) == 0 {
		return nil
	}
	return blocks[len(blocks)-1]
}

// Dotted reports whether callee text is a plain dotted identifier path,
// the shape structural matchers require.
func Dotted(s string) bool {
	if s == "" {
		return false
	}
	for _, seg := range strings.Split(s, ".") {
		if seg == "" {
			return false
		}
		for i, r := range seg {
			switch {
			case r == '_' || r == '$' || r == '/' ||
				r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z':
			case r >= '0' && r <= '9' && i > 0:
			default:
				return false
			}
		}
	}
	return true
}

// FunctionName returns the qualified name of a function node: "Type.method"
// for methods, the plain name otherwise. owner is the enclosing class, if any.
func FunctionName(fn Node, owner string) string {
	if recv := fn.Attr("receiver"); recv != "" {
		return recv + "." + fn.Text()
	}
	if owner != "" {
		return owner + "." + fn.Text()
	}
	return fn.Text()
}
