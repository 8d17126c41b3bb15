package ir

import (
	"fmt"
	"path"
	"strconv"
	"strings"
)

// Kind classifies the entity a CanonicalID names.
type Kind string

const (
	KindModule   Kind = "module"
	KindFile     Kind = "file"
	KindFunction Kind = "function"
	KindClass    Kind = "class"
	KindCallSite Kind = "callsite"
)

// CanonicalID identifies a code entity independently of where it was
// discovered. The struct is comparable and is used directly as a map key.
type CanonicalID struct {
	Language   string
	ModulePath string // slash separated, no extension ("app/db")
	Kind       Kind
	Name       string // "" for files and modules; "Class.method" for methods
}

// String renders "lang:module/path#kind:name". Files and modules omit ":name".
func (id CanonicalID) String() string {
	var b strings.Builder
	b.WriteString(id.Language)
	b.WriteByte(':')
	b.WriteString(id.ModulePath)
	b.WriteByte('#')
	b.WriteString(string(id.Kind))
	if id.Name != "" {
		b.WriteByte(':')
		b.WriteString(id.Name)
	}
	return b.String()
}

// IsZero reports whether id is the zero value.
func (id CanonicalID) IsZero() bool { return id == CanonicalID{} }

// Less orders IDs lexically by their fields; used for deterministic output.
func (id CanonicalID) Less(o CanonicalID) bool {
	if id.Language != o.Language {
		return id.Language < o.Language
	}
	if id.ModulePath != o.ModulePath {
		return id.ModulePath < o.ModulePath
	}
	if id.Kind != o.Kind {
		return id.Kind < o.Kind
	}
	return id.Name < o.Name
}

// MarshalText renders String; the zero ID renders empty.
func (id CanonicalID) MarshalText() ([]byte, error) {
	if id.IsZero() {
		return nil, nil
	}
	return []byte(id.String()), nil
}

func (id *CanonicalID) UnmarshalText(b []byte) error {
	if len(b) == 0 {
		*id = CanonicalID{}
		return nil
	}
	v, err := ParseID(string(b))
	if err != nil {
		return err
	}
	*id = v
	return nil
}

// ShortName returns the trailing name, or the module path for files and modules.
func (id CanonicalID) ShortName() string {
	if id.Name != "" {
		return id.Name
	}
	return id.ModulePath
}

func FileID(lang, module string) CanonicalID {
	return CanonicalID{Language: lang, ModulePath: module, Kind: KindFile}
}

func ModuleID(lang, module string) CanonicalID {
	return CanonicalID{Language: lang, ModulePath: module, Kind: KindModule}
}

func FunctionID(lang, module, name string) CanonicalID {
	return CanonicalID{Language: lang, ModulePath: module, Kind: KindFunction, Name: name}
}

func ClassID(lang, module, name string) CanonicalID {
	return CanonicalID{Language: lang, ModulePath: module, Kind: KindClass, Name: name}
}

// CallSiteID names the call at line inside fn. Two calls to the same
// callee on the same line share an ID.
func CallSiteID(fn CanonicalID, line int, callee string) CanonicalID {
	return CanonicalID{
		Language:   fn.Language,
		ModulePath: fn.ModulePath,
		Kind:       KindCallSite,
		Name:       fn.Name + "@" + strconv.Itoa(line) + ":" + callee,
	}
}

// ParseID is the inverse of String.
func ParseID(s string) (CanonicalID, error) {
	lang, rest, ok := strings.Cut(s, ":")
	if !ok || lang == "" {
		return CanonicalID{}, fmt.Errorf("canonical id %q: missing language", s)
	}
	mod, rest, ok := strings.Cut(rest, "#")
	if !ok {
		return CanonicalID{}, fmt.Errorf("canonical id %q: missing kind", s)
	}
	kind, name, _ := strings.Cut(rest, ":")
	switch Kind(kind) {
	case KindModule, KindFile, KindFunction, KindClass, KindCallSite:
	default:
		return CanonicalID{}, fmt.Errorf("canonical id %q: unknown kind %q", s, kind)
	}
	return CanonicalID{Language: lang, ModulePath: mod, Kind: Kind(kind), Name: name}, nil
}

// ModulePathFor derives the module path of a project-relative file.
// Package index files collapse to their directory, and Go files collapse
// to their package directory.
func ModulePathFor(lang, rel string) string {
	rel = strings.TrimPrefix(path.Clean(strings.ReplaceAll(rel, "\\", "/")), "./")
	dir, base := path.Split(rel)
	dir = strings.TrimSuffix(dir, "/")

	if lang == "go" {
		if dir == "" {
			return "."
		}
		return dir
	}

	stem := strings.TrimSuffix(base, path.Ext(base))
	switch {
	case lang == "python" && stem == "__init__",
		(lang == "javascript" || lang == "typescript") && stem == "index":
		if dir == "" {
			return "."
		}
		return dir
	}
	if dir == "" {
		return stem
	}
	return dir + "/" + stem
}
