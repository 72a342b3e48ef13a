package rollup

import "fmt"

// Dialect renders the database specific SQL the rollup pipeline needs. It is
// chosen once from configuration when the application starts.
type Dialect interface {
	Name() string
	// BucketExpr truncates a timestamp column to the start of its bucket,
	// formatted as BucketLayout.
	BucketExpr(g Granularity, column string) string
}

// BucketLayout is the time layout produced by BucketExpr.
const BucketLayout = "2006-01-02 15:04:05"

// NewDialect resolves a dialect by database type.
func NewDialect(databaseType string) (Dialect, error) {
	switch databaseType {
	case "sqlite", "sqlite3", "":
		return sqliteDialect{}, nil
	}
	return nil, fmt.Errorf("unsupported database type: %s", databaseType)
}

type sqliteDialect struct{}

func (sqliteDialect) Name() string { return "sqlite" }

func (sqliteDialect) BucketExpr(g Granularity, column string) string {
	switch g {
	case Hour:
		return fmt.Sprintf("strftime('%%Y-%%m-%%d %%H:00:00', %s)", column)
	case Day:
		return fmt.Sprintf("strftime('%%Y-%%m-%%d 00:00:00', %s)", column)
	case Month:
		return fmt.Sprintf("strftime('%%Y-%%m-01 00:00:00', %s)", column)
	}
	panic(fmt.Sprintf("rollup: no bucket expression for %s", g))
}
