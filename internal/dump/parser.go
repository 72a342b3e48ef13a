package dump

import (
	"errors"
	"fmt"
	"strings"
)

// ErrMalformedStatement is returned for statements that cannot be parsed.
// Callers skip and count such statements.
var ErrMalformedStatement = errors.New("malformed statement")

// ValueKind classifies a scalar in a VALUES tuple.
type ValueKind int

const (
	Null ValueKind = iota
	String
	Number
	// Raw is any other bare token such as a hex literal or function call.
	Raw
)

// Value is one scalar of a row.
type Value struct {
	Kind ValueKind
	Text string
}

// IsNull reports whether the value is SQL NULL.
func (v Value) IsNull() bool {
	return v.Kind == Null
}

// String returns the text of the value, or "" for NULL.
func (v Value) String() string {
	if v.Kind == Null {
		return ""
	}
	return v.Text
}

// Insert is a parsed INSERT statement.
type Insert struct {
	Table   string
	Columns []string
	Rows    [][]Value
}

// Column returns the position of a named column, or -1 when the statement
// has no column list or no such column.
func (ins *Insert) Column(name string) int {
	for i, c := range ins.Columns {
		if strings.EqualFold(c, name) {
			return i
		}
	}
	return -1
}

type parser struct {
	text string
	pos  int
}

func (p *parser) fail(format string, args ...any) error {
	return fmt.Errorf("%w: %s at offset %d", ErrMalformedStatement, fmt.Sprintf(format, args...), p.pos)
}

func (p *parser) skipSpace() {
	for p.pos < len(p.text) {
		switch p.text[p.pos] {
		case ' ', '\t', '\n', '\r':
			p.pos++
		default:
			return
		}
	}
}

func (p *parser) peek() byte {
	if p.pos >= len(p.text) {
		return 0
	}
	return p.text[p.pos]
}

func isWordChar(c byte) bool {
	return c == '_' || c == '$' || c == '.' || c == '-' || c == '+' ||
		(c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9')
}

func (p *parser) word() string {
	p.skipSpace()
	start := p.pos
	for p.pos < len(p.text) && isWordChar(p.text[p.pos]) {
		p.pos++
	}
	return p.text[start:p.pos]
}

func (p *parser) keyword(kw string) bool {
	save := p.pos
	if strings.EqualFold(p.word(), kw) {
		return true
	}
	p.pos = save
	return false
}

func (p *parser) expect(c byte) error {
	p.skipSpace()
	if p.peek() != c {
		return p.fail("expected %q", c)
	}
	p.pos++
	return nil
}

func (p *parser) identifier() (string, error) {
	p.skipSpace()
	switch q := p.peek(); q {
	case '`', '"':
		p.pos++
		end := strings.IndexByte(p.text[p.pos:], q)
		if end < 0 {
			return "", p.fail("unterminated identifier")
		}
		id := p.text[p.pos : p.pos+end]
		p.pos += end + 1
		return id, nil
	}
	id := p.word()
	if id == "" {
		return "", p.fail("expected identifier")
	}
	return id, nil
}

// ParseInsert parses the text of one INSERT statement.
func ParseInsert(text string) (*Insert, error) {
	p := &parser{text: text}
	if !p.keyword("INSERT") && !p.keyword("REPLACE") {
		return nil, p.fail("expected INSERT")
	}
	p.keyword("IGNORE")
	if !p.keyword("INTO") {
		return nil, p.fail("expected INTO")
	}

	table, err := p.identifier()
	if err != nil {
		return nil, err
	}
	p.skipSpace()
	if p.peek() == '.' {
		p.pos++
		if table, err = p.identifier(); err != nil {
			return nil, err
		}
	} else if i := strings.LastIndexByte(table, '.'); i >= 0 {
		table = table[i+1:]
	}

	ins := &Insert{Table: table}
	p.skipSpace()
	if p.peek() == '(' {
		p.pos++
		for {
			col, err := p.identifier()
			if err != nil {
				return nil, err
			}
			ins.Columns = append(ins.Columns, col)
			p.skipSpace()
			if p.peek() == ',' {
				p.pos++
				continue
			}
			if err := p.expect(')'); err != nil {
				return nil, err
			}
			break
		}
	}

	if !p.keyword("VALUES") && !p.keyword("VALUE") {
		return nil, p.fail("expected VALUES")
	}

	for {
		row, err := p.row()
		if err != nil {
			return nil, err
		}
		ins.Rows = append(ins.Rows, row)

		p.skipSpace()
		switch p.peek() {
		case ',':
			p.pos++
			continue
		case ';':
			return ins, nil
		case 0:
			return nil, p.fail("missing statement terminator")
		}
		// Trailing clauses such as ON DUPLICATE KEY UPDATE are ignored.
		if p.keyword("ON") {
			return ins, nil
		}
		return nil, p.fail("unexpected %q after row", p.peek())
	}
}

func (p *parser) row() ([]Value, error) {
	if err := p.expect('('); err != nil {
		return nil, err
	}
	var row []Value
	for {
		v, err := p.value()
		if err != nil {
			return nil, err
		}
		row = append(row, v)
		p.skipSpace()
		switch p.peek() {
		case ',':
			p.pos++
		case ')':
			p.pos++
			return row, nil
		default:
			return nil, p.fail("expected ',' or ')' in row")
		}
	}
}

func (p *parser) value() (Value, error) {
	p.skipSpace()
	switch c := p.peek(); {
	case c == '\'' || c == '"':
		s, err := p.quoted(c)
		if err != nil {
			return Value{}, err
		}
		return Value{Kind: String, Text: s}, nil
	case c == 0:
		return Value{}, p.fail("unexpected end of row")
	case c == ',' || c == ')':
		return Value{}, p.fail("empty value")
	}

	start := p.pos
	w := p.word()
	if w == "" {
		return Value{}, p.fail("unexpected %q", p.peek())
	}
	if strings.EqualFold(w, "NULL") {
		return Value{Kind: Null}, nil
	}
	// Charset introducers such as _binary or _utf8mb4 prefix a literal.
	if strings.HasPrefix(w, "_") {
		p.skipSpace()
		if c := p.peek(); c == '\'' || c == '"' {
			s, err := p.quoted(c)
			if err != nil {
				return Value{}, err
			}
			return Value{Kind: String, Text: s}, nil
		}
		introducer := w
		p.skipSpace()
		start = p.pos
		if w = p.word(); w == "" {
			return Value{}, p.fail("expected literal after %s", introducer)
		}
	}
	if p.peek() == '(' {
		if err := p.skipCall(); err != nil {
			return Value{}, err
		}
		return Value{Kind: Raw, Text: strings.TrimSpace(p.text[start:p.pos])}, nil
	}
	if isNumber(w) {
		return Value{Kind: Number, Text: w}, nil
	}
	return Value{Kind: Raw, Text: w}, nil
}

// skipCall skips a parenthesized argument list.
func (p *parser) skipCall() error {
	depth := 0
	for p.pos < len(p.text) {
		c := p.text[p.pos]
		switch c {
		case '\'', '"':
			if _, err := p.quoted(c); err != nil {
				return err
			}
			continue
		case '(':
			depth++
		case ')':
			depth--
			if depth == 0 {
				p.pos++
				return nil
			}
		}
		p.pos++
	}
	return p.fail("unterminated function call")
}

func isNumber(w string) bool {
	digits := 0
	for i := 0; i < len(w); i++ {
		c := w[i]
		switch {
		case c >= '0' && c <= '9':
			digits++
		case c == '-' || c == '+':
			if i != 0 && w[i-1] != 'e' && w[i-1] != 'E' {
				return false
			}
		case c == '.' || c == 'e' || c == 'E':
		default:
			return false
		}
	}
	return digits > 0
}

// quoted reads a quoted string starting at the opening quote, resolving
// backslash escapes and doubled quotes.
func (p *parser) quoted(q byte) (string, error) {
	p.pos++
	var b strings.Builder
	for p.pos < len(p.text) {
		c := p.text[p.pos]
		switch {
		case c == '\\':
			if p.pos+1 >= len(p.text) {
				return "", p.fail("unterminated escape")
			}
			b.WriteString(unescape(p.text[p.pos+1]))
			p.pos += 2
		case c == q:
			if p.pos+1 < len(p.text) && p.text[p.pos+1] == q {
				b.WriteByte(q)
				p.pos += 2
				continue
			}
			p.pos++
			return b.String(), nil
		default:
			b.WriteByte(c)
			p.pos++
		}
	}
	return "", p.fail("unterminated string")
}

func unescape(c byte) string {
	switch c {
	case '0':
		return "\x00"
	case 'b':
		return "\b"
	case 'n':
		return "\n"
	case 'r':
		return "\r"
	case 't':
		return "\t"
	case 'Z':
		return "\x1a"
	case '%', '_':
		// MySQL keeps the backslash for these outside LIKE patterns.
		return "\\" + string(c)
	}
	return string(c)
}
