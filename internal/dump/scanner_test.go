package dump_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tallystat/internal/dump"
	"tallystat/internal/testsupport"
)

const trickyDump = `-- comment with a ; and );
/*!40101 SET NAMES utf8mb4 */;
CREATE TABLE ` + "`website_event`" + ` (
  ` + "`event_id`" + ` varchar(36) NOT NULL
);
INSERT INTO ` + "`website_event`" + ` VALUES ('a','/x');
INSERT INTO ` + "`website_event`" + ` VALUES
('b','/path);DROP'),
('c','it\'s; fine'),
('d','multi
line );value');
INSERT INTO ` + "`session`" + ` VALUES ('s1','chrome');
INSERT INTO ` + "`website_event`" + ` VALUES ('e','/last');
`

func scanAll(t *testing.T, sc *dump.Scanner) []dump.Statement {
	t.Helper()
	var out []dump.Statement
	for sc.Scan() {
		out = append(out, sc.Statement())
	}
	require.NoError(t, sc.Err())
	return out
}

func openScanner(t *testing.T, text string) *dump.Scanner {
	t.Helper()
	r, err := dump.Open(testsupport.WriteDumpText(t, text))
	require.NoError(t, err)
	t.Cleanup(func() { r.Close() })
	return dump.NewScanner(r)
}

func TestScanner(t *testing.T) {
	t.Run("terminators inside quotes do not end a statement", func(t *testing.T) {
		stmts := scanAll(t, openScanner(t, trickyDump))
		require.Len(t, stmts, 4)

		assert.Equal(t, "website_event", stmts[0].Table)
		assert.Equal(t, 6, stmts[0].StartLine)
		assert.Equal(t, 6, stmts[0].EndLine)

		assert.Equal(t, 7, stmts[1].StartLine)
		assert.Equal(t, 11, stmts[1].EndLine)

		ins, err := dump.ParseInsert(stmts[1].Text)
		require.NoError(t, err)
		require.Len(t, ins.Rows, 3)
		assert.Equal(t, "/path);DROP", ins.Rows[0][1].Text)
		assert.Equal(t, "it's; fine", ins.Rows[1][1].Text)
		assert.Equal(t, "multi\nline );value", ins.Rows[2][1].Text)

		assert.Equal(t, "session", stmts[2].Table)
		assert.Equal(t, 13, stmts[3].StartLine)
	})

	t.Run("only filter skips other tables", func(t *testing.T) {
		stmts := scanAll(t, openScanner(t, trickyDump).Only("session"))
		require.Len(t, stmts, 1)
		assert.Equal(t, 12, stmts[0].StartLine)
		assert.Contains(t, stmts[0].Text, "'s1'")
	})

	t.Run("without text reports positions only", func(t *testing.T) {
		stmts := scanAll(t, openScanner(t, trickyDump).Only("website_event").WithoutText())
		require.Len(t, stmts, 3)
		for _, s := range stmts {
			assert.Empty(t, s.Text)
		}
		assert.Equal(t, []int{6, 7, 13}, []int{stmts[0].StartLine, stmts[1].StartLine, stmts[2].StartLine})
	})

	t.Run("skip to a statement start", func(t *testing.T) {
		sc := openScanner(t, trickyDump)
		require.NoError(t, sc.SkipTo(12))
		stmts := scanAll(t, sc)
		require.Len(t, stmts, 2)
		assert.Equal(t, "session", stmts[0].Table)
		assert.Equal(t, 12, stmts[0].StartLine)
	})

	t.Run("two statements on one line", func(t *testing.T) {
		stmts := scanAll(t, openScanner(t, "INSERT INTO t VALUES (1);INSERT INTO u VALUES (2);\n"))
		require.Len(t, stmts, 2)
		assert.Equal(t, "t", stmts[0].Table)
		assert.Equal(t, "u", stmts[1].Table)
		assert.Equal(t, 1, stmts[1].StartLine)
	})

	t.Run("truncated final statement", func(t *testing.T) {
		stmts := scanAll(t, openScanner(t, "INSERT INTO t VALUES\n(1),\n(2"))
		require.Len(t, stmts, 1)
		assert.True(t, stmts[0].Truncated)
		_, err := dump.ParseInsert(stmts[0].Text)
		assert.ErrorIs(t, err, dump.ErrMalformedStatement)
	})
}

func TestInsertTable(t *testing.T) {
	tests := []struct {
		text  string
		table string
		ok    bool
	}{
		{"INSERT INTO `website_event` VALUES (1);", "website_event", true},
		{"insert into session (a) values (1);", "session", true},
		{"INSERT IGNORE INTO `umami`.`website` VALUES (1);", "website", true},
		{"REPLACE INTO \"website\" VALUES (1);", "website", true},
		{"CREATE TABLE `website` (", "", false},
		{"LOCK TABLES `website` WRITE;", "", false},
	}
	for _, tt := range tests {
		table, ok := dump.InsertTable(tt.text)
		assert.Equal(t, tt.ok, ok, tt.text)
		assert.Equal(t, tt.table, table, tt.text)
	}
}
