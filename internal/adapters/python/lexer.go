package pyadapter

import (
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"
)

type tokKind int

const (
	tEOF tokKind = iota
	tName
	tNumber
	tString
	tOp
	tNewline
	tIndent
	tDedent
)

func (k tokKind) String() string {
	switch k {
	case tEOF:
		return "end of file"
	case tName:
		return "name"
	case tNumber:
		return "number"
	case tString:
		return "string"
	case tOp:
		return "operator"
	case tNewline:
		return "newline"
	case tIndent:
		return "indent"
	case tDedent:
		return "dedent"
	}
	return "token"
}

type token struct {
	kind tokKind
	text string // name, operator, number, or decoded string body
	line int
	pos  int // byte offset of the token start
	end  int // byte offset after the token

	prefix string // string prefix, lower-cased: "", "f", "rb", ...
}

func (t token) is(kind tokKind, text string) bool { return t.kind == kind && t.text == text }

// operators, longest first so maximal munch works by scanning in order
var operators = []string{
	"**=", "//=", ">>=", "<<=", "...",
	"->", ":=", "**", "//", "<<", ">>", "<=", ">=", "==", "!=",
	"+=", "-=", "*=", "/=", "%=", "&=", "|=", "^=", "@=",
	"+", "-", "*", "/", "%", "@", "&", "|", "^", "~", "<", ">",
	"(", ")", "[", "]", "{", "}", ",", ":", ".", ";", "=",
}

// lexer turns Python source into logical-line tokens with explicit
// indent and dedent tokens.
type lexer struct {
	src    string
	pos    int
	line   int
	depth  int // bracket nesting; newlines inside brackets are ignored
	indent []int
	toks   []token
	atBOL  bool
}

type syntaxError struct {
	line int
	msg  string
}

func (e *syntaxError) Error() string { return fmt.Sprintf("line %d: %s", e.line, e.msg) }

func tokenize(src string) ([]token, error) {
	lx := &lexer{src: src, line: 1, indent: []int{0}, atBOL: true}
	if err := lx.run(); err != nil {
		return nil, err
	}
	return lx.toks, nil
}

func (lx *lexer) errorf(format string, args ...any) error {
	return &syntaxError{line: lx.line, msg: fmt.Sprintf(format, args...)}
}

func (lx *lexer) emit(kind tokKind, text string, start int) {
	lx.toks = append(lx.toks, token{kind: kind, text: text, line: lx.line, pos: start, end: lx.pos})
}

func (lx *lexer) run() error {
	for lx.pos < len(lx.src) {
		if lx.atBOL && lx.depth == 0 {
			if err := lx.indentation(); err != nil {
				return err
			}
			if lx.pos >= len(lx.src) {
				break
			}
		}
		c := lx.src[lx.pos]
		switch {
		case c == '\n':
			lx.newline()
		case c == '\r':
			lx.pos++
		case c == ' ' || c == '\t' || c == '\f':
			lx.pos++
		case c == '#':
			for lx.pos < len(lx.src) && lx.src[lx.pos] != '\n' {
				lx.pos++
			}
		case c == '\\' && lx.pos+1 < len(lx.src) && (lx.src[lx.pos+1] == '\n' || lx.src[lx.pos+1] == '\r'):
			// explicit line joining
			lx.pos++
			if lx.src[lx.pos] == '\r' {
				lx.pos++
			}
			if lx.pos < len(lx.src) && lx.src[lx.pos] == '\n' {
				lx.pos++
			}
			lx.line++
		case c == '"' || c == '\'':
			if err := lx.str(lx.pos, ""); err != nil {
				return err
			}
		case c >= '0' && c <= '9' || c == '.' && lx.pos+1 < len(lx.src) && isDigit(lx.src[lx.pos+1]):
			lx.number()
		case isIdentStart(lx.src[lx.pos:]):
			start := lx.pos
			lx.ident()
			word := lx.src[start:lx.pos]
			if lx.pos < len(lx.src) && (lx.src[lx.pos] == '"' || lx.src[lx.pos] == '\'') && isStringPrefix(word) {
				if err := lx.str(start, strings.ToLower(word)); err != nil {
					return err
				}
				continue
			}
			lx.emit(tName, word, start)
		default:
			if err := lx.op(); err != nil {
				return err
			}
		}
	}
	if n := len(lx.toks); n > 0 && lx.toks[n-1].kind != tNewline && lx.toks[n-1].kind != tDedent {
		lx.emit(tNewline, "", lx.pos)
	}
	for len(lx.indent) > 1 {
		lx.indent = lx.indent[:len(lx.indent)-1]
		lx.emit(tDedent, "", lx.pos)
	}
	lx.emit(tEOF, "", lx.pos)
	return nil
}

func (lx *lexer) newline() {
	start := lx.pos
	lx.pos++
	if lx.depth == 0 {
		if n := len(lx.toks); n > 0 && lx.toks[n-1].kind != tNewline && lx.toks[n-1].kind != tIndent && lx.toks[n-1].kind != tDedent {
			lx.emit(tNewline, "", start)
		}
		lx.atBOL = true
	}
	lx.line++
}

// indentation measures the leading whitespace of a line and emits indent
// or dedent tokens. Blank and comment-only lines are skipped.
func (lx *lexer) indentation() error {
	for {
		col := 0
		p := lx.pos
	scan:
		for p < len(lx.src) {
			switch lx.src[p] {
			case ' ':
				col++
			case '\t':
				col = (col/8 + 1) * 8
			case '\f':
				col = 0
			default:
				break scan
			}
			p++
		}
		if p >= len(lx.src) {
			lx.pos = p
			return nil
		}
		switch lx.src[p] {
		case '\n', '#', '\r':
			// blank or comment-only line
			for p < len(lx.src) && lx.src[p] != '\n' {
				p++
			}
			if p < len(lx.src) {
				p++
				lx.line++
			}
			lx.pos = p
			continue
		}
		lx.pos = p
		lx.atBOL = false
		top := lx.indent[len(lx.indent)-1]
		switch {
		case col > top:
			lx.indent = append(lx.indent, col)
			lx.emit(tIndent, "", p)
		case col < top:
			for col < lx.indent[len(lx.indent)-1] {
				lx.indent = lx.indent[:len(lx.indent)-1]
				lx.emit(tDedent, "", p)
			}
			if col != lx.indent[len(lx.indent)-1] {
				return lx.errorf("unindent does not match any outer indentation level")
			}
		}
		return nil
	}
}

func (lx *lexer) ident() {
	for lx.pos < len(lx.src) {
		r, size := utf8.DecodeRuneInString(lx.src[lx.pos:])
		if r != '_' && !unicode.IsLetter(r) && !unicode.IsDigit(r) {
			return
		}
		lx.pos += size
	}
}

func (lx *lexer) number() {
	start := lx.pos
	for lx.pos < len(lx.src) {
		c := lx.src[lx.pos]
		switch {
		case isDigit(c) || c == '.' || c == '_' || c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z':
			lx.pos++
		case (c == '+' || c == '-') && (lx.src[lx.pos-1] == 'e' || lx.src[lx.pos-1] == 'E') &&
			!strings.HasPrefix(strings.ToLower(lx.src[start:lx.pos]), "0x"):
			lx.pos++
		default:
			lx.emit(tNumber, lx.src[start:lx.pos], start)
			return
		}
	}
	lx.emit(tNumber, lx.src[start:lx.pos], start)
}

// str scans a string literal starting at the quote at lx.pos. start is the
// offset of the prefix, if any.
func (lx *lexer) str(start int, prefix string) error {
	q := lx.src[lx.pos]
	triple := strings.HasPrefix(lx.src[lx.pos:], strings.Repeat(string(q), 3))
	delim := string(q)
	if triple {
		delim = strings.Repeat(string(q), 3)
	}
	lx.pos += len(delim)
	raw := strings.Contains(prefix, "r")
	startLine := lx.line

	var b strings.Builder
	for {
		if lx.pos >= len(lx.src) {
			lx.line = startLine
			return lx.errorf("unterminated string literal")
		}
		if strings.HasPrefix(lx.src[lx.pos:], delim) {
			lx.pos += len(delim)
			break
		}
		c := lx.src[lx.pos]
		switch {
		case c == '\n' && !triple:
			lx.line = startLine
			return lx.errorf("unterminated string literal")
		case c == '\n':
			lx.line++
			b.WriteByte(c)
			lx.pos++
		case c == '\\' && lx.pos+1 < len(lx.src):
			next := lx.src[lx.pos+1]
			if next == '\n' {
				lx.line++
			}
			if raw {
				b.WriteByte(c)
				b.WriteByte(next)
			} else {
				b.WriteString(unescape(next))
			}
			lx.pos += 2
		default:
			b.WriteByte(c)
			lx.pos++
		}
	}
	lx.toks = append(lx.toks, token{kind: tString, text: b.String(), line: startLine, pos: start, end: lx.pos, prefix: prefix})
	return nil
}

func unescape(c byte) string {
	switch c {
	case 'n':
		return "\n"
	case 't':
		return "\t"
	case 'r':
		return "\r"
	case '0':
		return "\x00"
	case '\n':
		return ""
	case '\\', '\'', '"':
		return string(c)
	}
	return "\\" + string(c)
}

func (lx *lexer) op() error {
	start := lx.pos
	for _, o := range operators {
		if strings.HasPrefix(lx.src[lx.pos:], o) {
			lx.pos += len(o)
			switch o {
			case "(", "[", "{":
				lx.depth++
			case ")", "]", "}":
				if lx.depth > 0 {
					lx.depth--
				}
			}
			lx.emit(tOp, o, start)
			return nil
		}
	}
	// "!" only appears in "!=" and f-string conversions
	return lx.errorf("unexpected character %q", lx.src[lx.pos])
}

func isDigit(c byte) bool { return c >= '0' && c <= '9' }

func isIdentStart(s string) bool {
	r, _ := utf8.DecodeRuneInString(s)
	return r == '_' || unicode.IsLetter(r)
}

func isStringPrefix(w string) bool {
	if len(w) > 3 {
		return false
	}
	for _, r := range strings.ToLower(w) {
		switch r {
		case 'r', 'b', 'u', 'f':
		default:
			return false
		}
	}
	return true
}
