package dump

import (
	"errors"
	"fmt"
)

// TableStats counts the INSERT statements and rows of one table.
type TableStats struct {
	Statements int `json:"statements"`
	Rows       int `json:"rows"`
}

// Stats describes a dump without importing it.
type Stats struct {
	FileSize   int64                  `json:"file_size"`
	Compressed bool                   `json:"compressed"`
	Lines      int                    `json:"lines"`
	Tables     map[string]*TableStats `json:"tables"`
	Malformed  int                    `json:"malformed_statements"`
}

// Rows returns the row count of a table.
func (s *Stats) Rows(table string) int {
	if t, ok := s.Tables[table]; ok {
		return t.Rows
	}
	return 0
}

// Analyze parses every INSERT statement of the dump once. visit, when not
// nil, is called with each parsed statement. Malformed statements are
// counted and skipped.
func Analyze(path string, visit func(*Insert)) (*Stats, error) {
	r, err := Open(path)
	if err != nil {
		return nil, err
	}
	defer r.Close()

	stats := &Stats{
		FileSize:   r.Size(),
		Compressed: r.Compressed(),
		Tables:     make(map[string]*TableStats),
	}

	sc := NewScanner(r)
	for sc.Scan() {
		stmt := sc.Statement()
		ts, ok := stats.Tables[stmt.Table]
		if !ok {
			ts = &TableStats{}
			stats.Tables[stmt.Table] = ts
		}
		ts.Statements++

		ins, err := ParseInsert(stmt.Text)
		if errors.Is(err, ErrMalformedStatement) {
			stats.Malformed++
			continue
		}
		if err != nil {
			return nil, err
		}
		ts.Rows += len(ins.Rows)
		if visit != nil {
			visit(ins)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("failed to analyze dump: %w", err)
	}

	stats.Lines = r.LineNumber()
	return stats, nil
}
