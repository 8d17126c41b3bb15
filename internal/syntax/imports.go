package syntax

import "strings"

// Binding is a local name introduced by an import statement.
type Binding struct {
	Local    string // name visible in the file ("db", "sp", "execute_query")
	Spec     string // module spec as written
	Name     string // imported member; "" for a module binding
	Wildcard bool   // "*" import, or a namespace import bound to Local
	Line     int
}

// Module reports whether the binding names a whole module.
func (b Binding) Module() bool { return b.Name == "" || b.Wildcard }

// Imports collects the import bindings of a file, in source order.
// Imports nested in functions are included.
func Imports(root Node) []Binding {
	var out []Binding
	Walk(root, func(n Node) bool {
		if n.Kind() != Import {
			return true
		}
		spec := n.Text()
		names := ChildrenOf(n, ImportName)
		if len(names) == 0 {
			local := n.Attr("alias")
			if local == "" {
				local = spec
			}
			out = append(out, Binding{Local: local, Spec: spec, Line: n.Line()})
			return false
		}
		for _, in := range names {
			b := Binding{Spec: spec, Name: in.Text(), Local: in.Attr("alias"), Line: n.Line()}
			if b.Name == "*" {
				b.Wildcard = true
			} else if b.Local == "" {
				b.Local = b.Name
			}
			out = append(out, b)
		}
		return false
	})
	return out
}

// Scope resolves dotted names through a file's import bindings.
type Scope struct {
	bindings []Binding
	byLocal  map[string]int
}

// NewScope indexes bindings. Later bindings shadow earlier ones.
func NewScope(bindings []Binding) *Scope {
	s := &Scope{bindings: bindings, byLocal: make(map[string]int, len(bindings))}
	for i, b := range bindings {
		if b.Local != "" {
			s.byLocal[b.Local] = i
		}
	}
	return s
}

// Lookup finds the binding matching the longest dotted prefix of name and
// returns it with the remaining member path.
func (s *Scope) Lookup(name string) (Binding, string, bool) {
	if s == nil || name == "" {
		return Binding{}, "", false
	}
	prefix := name
	for {
		if i, ok := s.byLocal[prefix]; ok {
			rest := strings.TrimPrefix(strings.TrimPrefix(name, prefix), ".")
			return s.bindings[i], rest, true
		}
		dot := strings.LastIndexByte(prefix, '.')
		if dot < 0 {
			return Binding{}, "", false
		}
		prefix = prefix[:dot]
	}
}

// Qualify rewrites name so its first segments are the imported module spec:
// with "from subprocess import run", "run" becomes "subprocess.run"; with
// Go's "os/exec", "exec.Command" becomes "os/exec.Command". Names that do
// not go through an import are returned unchanged.
func (s *Scope) Qualify(name string) string {
	b, rest, ok := s.Lookup(name)
	if !ok {
		return name
	}
	member := rest
	if !b.Module() {
		member = b.Name
		if rest != "" {
			member += "." + rest
		}
	}
	if member == "" {
		return b.Spec
	}
	return b.Spec + "." + member
}

// Wildcards returns the specs imported with a bare "*".
func (s *Scope) Wildcards() []string {
	if s == nil {
		return nil
	}
	var out []string
	for _, b := range s.bindings {
		if b.Wildcard && b.Local == "" {
			out = append(out, b.Spec)
		}
	}
	return out
}
