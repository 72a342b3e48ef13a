package dump

import (
	"fmt"
	"regexp"
	"strings"
)

// Statement is one complete SQL statement and the lines it spans.
type Statement struct {
	Text      string
	StartLine int
	EndLine   int
	// Table is set for INSERT statements.
	Table string
	// Truncated is true when the file ended before the terminating semicolon.
	Truncated bool
}

var insertPrefix = regexp.MustCompile("(?i)^(?:INSERT|REPLACE)\\s+(?:IGNORE\\s+)?INTO\\s+(?:[`\"]?\\w+[`\"]?\\.)?[`\"]?([\\w$-]+)[`\"]?")

// InsertTable returns the target table of an INSERT statement prefix.
func InsertTable(text string) (string, bool) {
	m := insertPrefix.FindStringSubmatch(strings.TrimSpace(text))
	if m == nil {
		return "", false
	}
	return m[1], true
}

// Scanner splits a dump into statements. A semicolon ends a statement only
// outside quotes and block comments and when parentheses are balanced, so
// values containing ");" do not cut a statement short. Only INSERT
// statements are returned.
type Scanner struct {
	r      *Reader
	tables map[string]bool
	noText bool

	stmt Statement
	err  error

	pending     string
	pendingLine int

	quote   byte
	escaped bool
	block   bool
	depth   int
}

// NewScanner scans statements from r.
func NewScanner(r *Reader) *Scanner {
	return &Scanner{r: r}
}

// Only restricts the scanner to INSERT statements into the given tables.
// Statements into other tables are skipped without being buffered.
func (s *Scanner) Only(tables ...string) *Scanner {
	s.tables = make(map[string]bool, len(tables))
	for _, t := range tables {
		s.tables[t] = true
	}
	return s
}

// WithoutText makes the scanner report statement positions only.
func (s *Scanner) WithoutText() *Scanner {
	s.noText = true
	return s
}

// SkipTo discards input so that the next line read is line. It must only be
// called between statements, with line at the start of one.
func (s *Scanner) SkipTo(line int) error {
	if s.pending != "" && s.pendingLine < line {
		s.pending = ""
	}
	for s.r.LineNumber() < line-1 {
		_, ok, err := s.r.ReadLine()
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("dump ends before line %d", line)
		}
	}
	return nil
}

// Statement returns the statement found by the last call to Scan.
func (s *Scanner) Statement() Statement {
	return s.stmt
}

// Err returns the first read error.
func (s *Scanner) Err() error {
	return s.err
}

func (s *Scanner) next() (string, int, bool) {
	if s.pending != "" {
		line, n := s.pending, s.pendingLine
		s.pending = ""
		return line, n, true
	}
	line, ok, err := s.r.ReadLine()
	if err != nil {
		s.err = err
		return "", 0, false
	}
	return line, s.r.LineNumber(), ok
}

func (s *Scanner) reset() {
	s.quote = 0
	s.escaped = false
	s.block = false
	s.depth = 0
}

// Scan advances to the next matching statement. It returns false at end of
// input or on error.
func (s *Scanner) Scan() bool {
	var buf strings.Builder
	inStatement := false
	keep := false

	for {
		line, lineNo, ok := s.next()
		if !ok {
			if inStatement && keep && s.err == nil {
				s.stmt.Text = buf.String()
				s.stmt.EndLine = s.r.LineNumber()
				s.stmt.Truncated = true
				return true
			}
			return false
		}

		if !inStatement {
			trimmed := strings.TrimLeft(line, " \t")
			if trimmed == "" || strings.HasPrefix(trimmed, "--") || strings.HasPrefix(trimmed, "#") {
				continue
			}
			line = trimmed
			inStatement = true
			s.reset()
			buf.Reset()
			table, isInsert := InsertTable(line)
			keep = isInsert && (s.tables == nil || s.tables[table])
			s.stmt = Statement{StartLine: lineNo, Table: table}
		}

		end := s.feed(line)
		if end < 0 {
			if keep && !s.noText {
				buf.WriteString(line)
				buf.WriteByte('\n')
			}
			continue
		}

		if keep && !s.noText {
			buf.WriteString(line[:end+1])
		}
		if rest := line[end+1:]; strings.TrimSpace(rest) != "" {
			s.pending = rest
			s.pendingLine = lineNo
		}
		inStatement = false
		if keep {
			s.stmt.Text = buf.String()
			s.stmt.EndLine = lineNo
			return true
		}
	}
}

// feed advances the lexical state over one line and returns the index of a
// statement terminating semicolon, or -1.
func (s *Scanner) feed(line string) int {
	for i := 0; i < len(line); i++ {
		c := line[i]
		switch {
		case s.escaped:
			s.escaped = false
		case s.quote != 0:
			if c == '\\' && s.quote != '`' {
				s.escaped = true
			} else if c == s.quote {
				if i+1 < len(line) && line[i+1] == s.quote {
					i++
				} else {
					s.quote = 0
				}
			}
		case s.block:
			if c == '*' && i+1 < len(line) && line[i+1] == '/' {
				s.block = false
				i++
			}
		case c == '/' && i+1 < len(line) && line[i+1] == '*':
			s.block = true
			i++
		case c == '\'' || c == '"' || c == '`':
			s.quote = c
		case c == '(':
			s.depth++
		case c == ')':
			if s.depth > 0 {
				s.depth--
			}
		case c == ';' && s.depth == 0:
			return i
		}
	}
	return -1
}
