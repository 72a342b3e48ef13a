package dump_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tallystat/internal/dump"
	"tallystat/internal/testsupport"
)

func TestParseInsert(t *testing.T) {
	t.Run("column list and typed values", func(t *testing.T) {
		ins, err := dump.ParseInsert("INSERT INTO `website_event` (`event_id`,`url_path`,`event_type`,`event_name`) VALUES ('e1','/a',1,NULL),('e2','/b',-2.5e3,_binary 'x');")
		require.NoError(t, err)

		assert.Equal(t, "website_event", ins.Table)
		assert.Equal(t, []string{"event_id", "url_path", "event_type", "event_name"}, ins.Columns)
		assert.Equal(t, 2, ins.Column("event_type"))
		assert.Equal(t, -1, ins.Column("missing"))
		require.Len(t, ins.Rows, 2)

		assert.Equal(t, dump.Value{Kind: dump.String, Text: "e1"}, ins.Rows[0][0])
		assert.Equal(t, dump.Value{Kind: dump.Number, Text: "1"}, ins.Rows[0][2])
		assert.True(t, ins.Rows[0][3].IsNull())
		assert.Equal(t, "", ins.Rows[0][3].String())
		assert.Equal(t, dump.Value{Kind: dump.Number, Text: "-2.5e3"}, ins.Rows[1][2])
		assert.Equal(t, dump.Value{Kind: dump.String, Text: "x"}, ins.Rows[1][3])
	})

	t.Run("escapes and doubled quotes", func(t *testing.T) {
		ins, err := dump.ParseInsert(`INSERT INTO t VALUES ('it\'s','say ""hi""','a\\b','line\nbreak','o''neil',"dq ""x""");`)
		require.NoError(t, err)
		require.Len(t, ins.Rows, 1)
		row := ins.Rows[0]
		assert.Equal(t, "it's", row[0].Text)
		assert.Equal(t, `say ""hi""`, row[1].Text)
		assert.Equal(t, `a\b`, row[2].Text)
		assert.Equal(t, "line\nbreak", row[3].Text)
		assert.Equal(t, "o'neil", row[4].Text)
		assert.Equal(t, `dq "x"`, row[5].Text)
	})

	t.Run("row separators inside strings", func(t *testing.T) {
		ins, err := dump.ParseInsert("INSERT INTO t VALUES ('a),(b', 'c'),('d;', 'e');")
		require.NoError(t, err)
		require.Len(t, ins.Rows, 2)
		assert.Equal(t, "a),(b", ins.Rows[0][0].Text)
		assert.Equal(t, "d;", ins.Rows[1][0].Text)
	})

	t.Run("raw tokens", func(t *testing.T) {
		ins, err := dump.ParseInsert("INSERT INTO t VALUES (0x1F2E, CURRENT_TIMESTAMP(3), _binary 0xAB);")
		require.NoError(t, err)
		row := ins.Rows[0]
		assert.Equal(t, dump.Value{Kind: dump.Raw, Text: "0x1F2E"}, row[0])
		assert.Equal(t, dump.Value{Kind: dump.Raw, Text: "CURRENT_TIMESTAMP(3)"}, row[1])
		assert.Equal(t, dump.Value{Kind: dump.Raw, Text: "0xAB"}, row[2])
	})

	t.Run("schema qualified table", func(t *testing.T) {
		ins, err := dump.ParseInsert("INSERT INTO `umami`.`session` VALUES ('s');")
		require.NoError(t, err)
		assert.Equal(t, "session", ins.Table)
		assert.Nil(t, ins.Columns)
	})

	malformed := []string{
		"UPDATE t SET a = 1;",
		"INSERT INTO t VALUES ('unterminated);",
		"INSERT INTO t VALUES (1,,2);",
		"INSERT INTO t VALUES (1) (2);",
		"INSERT INTO t VALUES (1)",
		"INSERT INTO t (a, b VALUES (1);",
	}
	for _, text := range malformed {
		t.Run("malformed "+text, func(t *testing.T) {
			_, err := dump.ParseInsert(text)
			assert.ErrorIs(t, err, dump.ErrMalformedStatement)
		})
	}
}

func TestAnalyze(t *testing.T) {
	d := testsupport.UmamiDump{
		Websites: []testsupport.UmamiWebsite{
			{ID: "w1", Name: "Blog", Domain: "blog.example.com"},
			{ID: "w2", Name: "Shop", Domain: "shop.example.com"},
		},
		Sessions: []testsupport.UmamiSession{{ID: "s1", WebsiteID: "w1", Browser: "chrome"}},
		Events: []testsupport.UmamiEvent{
			{ID: "e1", WebsiteID: "w1", SessionID: "s1", URLPath: "/", EventType: 1},
			{ID: "e2", WebsiteID: "w1", SessionID: "s1", URLPath: "/a", EventType: 1},
			{ID: "e3", WebsiteID: "w1", SessionID: "s1", URLPath: "/b", EventType: 2, EventName: "click"},
		},
		RowsPerStatement: 2,
	}

	for _, compressed := range []bool{false, true} {
		path := testsupport.WriteUmamiDump(t, d, compressed)

		var names []string
		stats, err := dump.Analyze(path, func(ins *dump.Insert) {
			if ins.Table == "website" {
				for _, row := range ins.Rows {
					names = append(names, row[ins.Column("name")].Text)
				}
			}
		})
		require.NoError(t, err)

		assert.Equal(t, compressed, stats.Compressed)
		assert.Equal(t, 2, stats.Rows("website"))
		assert.Equal(t, 1, stats.Rows("session"))
		assert.Equal(t, 3, stats.Rows("website_event"))
		assert.Equal(t, 2, stats.Tables["website_event"].Statements)
		assert.Equal(t, 0, stats.Malformed)
		assert.Equal(t, []string{"Blog", "Shop"}, names)
		assert.Greater(t, stats.Lines, 10)
	}
}
