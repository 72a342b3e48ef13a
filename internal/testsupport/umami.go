package testsupport

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/require"
)

// UmamiWebsite is a row of the website table in an Umami export.
type UmamiWebsite struct {
	ID     string
	Name   string
	Domain string
}

// UmamiSession is a row of the session table in an Umami export.
type UmamiSession struct {
	ID        string
	WebsiteID string
	Browser   string
	OS        string
	Device    string
	Screen    string
	Country   string
}

// UmamiEvent is a row of the website_event table in an Umami export.
// EventType 1 is a page view, 2 a custom event.
type UmamiEvent struct {
	ID             string
	WebsiteID      string
	SessionID      string
	CreatedAt      time.Time
	URLPath        string
	ReferrerDomain string
	EventType      int
	EventName      string
}

// UmamiDump renders a MySQL style Umami export.
type UmamiDump struct {
	Websites []UmamiWebsite
	Sessions []UmamiSession
	Events   []UmamiEvent

	// RowsPerStatement splits event rows over several INSERT statements.
	// Zero puts every row of a table in one statement.
	RowsPerStatement int
}

var (
	websiteColumns = []string{"website_id", "name", "domain", "share_id", "reset_at", "user_id", "created_at", "updated_at", "deleted_at", "created_by", "team_id"}
	sessionColumns = []string{"session_id", "website_id", "browser", "os", "device", "screen", "language", "country", "subdivision1", "subdivision2", "city", "created_at", "distinct_id"}
	eventColumns   = []string{"event_id", "website_id", "session_id", "created_at", "url_path", "url_query", "referrer_path", "referrer_query", "referrer_domain", "page_title", "event_type", "event_name", "visit_id", "tag", "hostname"}
)

// SQL returns the dump text.
func (d UmamiDump) SQL() string {
	var b strings.Builder
	b.WriteString("-- MySQL dump 10.13  Distrib 8.0.36, for Linux (x86_64)\n")
	b.WriteString("--\n-- Host: localhost    Database: umami\n")
	b.WriteString("-- ------------------------------------------------------\n\n")
	b.WriteString("/*!40101 SET @OLD_CHARACTER_SET_CLIENT=@@CHARACTER_SET_CLIENT */;\n")
	b.WriteString("/*!40101 SET NAMES utf8mb4 */;\n\n")

	b.WriteString("DROP TABLE IF EXISTS `website`;\n")
	b.WriteString("CREATE TABLE `website` (\n  `website_id` varchar(36) NOT NULL,\n  `name` varchar(100) NOT NULL,\n  `domain` varchar(500) DEFAULT NULL,\n  PRIMARY KEY (`website_id`)\n) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4;\n\n")

	var websites [][]string
	for _, w := range d.Websites {
		websites = append(websites, []string{quote(w.ID), quote(w.Name), quote(w.Domain), "NULL", "NULL", quote("user-"+w.ID), "'2023-01-01 00:00:00'", "NULL", "NULL", "NULL", "NULL"})
	}
	writeInserts(&b, "website", websiteColumns, websites, 0)

	var sessions [][]string
	for _, s := range d.Sessions {
		sessions = append(sessions, []string{quote(s.ID), quote(s.WebsiteID), quote(s.Browser), quote(s.OS), quote(s.Device), quote(s.Screen), "'en-US'", quote(s.Country), "NULL", "NULL", "NULL", "'2023-01-01 00:00:00'", "NULL"})
	}
	writeInserts(&b, "session", sessionColumns, sessions, 0)

	var evs [][]string
	for _, e := range d.Events {
		referrer := "NULL"
		if e.ReferrerDomain != "" {
			referrer = quote(e.ReferrerDomain)
		}
		name := "NULL"
		if e.EventName != "" {
			name = quote(e.EventName)
		}
		evs = append(evs, []string{
			quote(e.ID), quote(e.WebsiteID), quote(e.SessionID),
			quote(e.CreatedAt.UTC().Format("2006-01-02 15:04:05")),
			quote(e.URLPath), "NULL", "NULL", "NULL", referrer, "'Page title; with (parens)'",
			fmt.Sprintf("%d", e.EventType), name, quote(e.SessionID), "NULL", "NULL",
		})
	}
	writeInserts(&b, "website_event", eventColumns, evs, d.RowsPerStatement)

	b.WriteString("/*!40101 SET CHARACTER_SET_CLIENT=@OLD_CHARACTER_SET_CLIENT */;\n")
	b.WriteString("-- Dump completed on 2024-02-01 10:00:00\n")
	return b.String()
}

func writeInserts(b *strings.Builder, table string, columns []string, rows [][]string, perStatement int) {
	fmt.Fprintf(b, "LOCK TABLES `%s` WRITE;\n", table)
	if perStatement <= 0 {
		perStatement = len(rows)
	}
	for start := 0; start < len(rows); start += perStatement {
		end := start + perStatement
		if end > len(rows) {
			end = len(rows)
		}
		cols := make([]string, len(columns))
		for i, c := range columns {
			cols[i] = "`" + c + "`"
		}
		fmt.Fprintf(b, "INSERT INTO `%s` (%s) VALUES\n", table, strings.Join(cols, ","))
		for i, row := range rows[start:end] {
			sep := ","
			if start+i == end-1 {
				sep = ";"
			}
			fmt.Fprintf(b, "(%s)%s\n", strings.Join(row, ","), sep)
		}
	}
	b.WriteString("UNLOCK TABLES;\n\n")
}

func quote(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `'`, `\'`)
	return "'" + s + "'"
}

// WriteUmamiDump writes the dump to a temporary file, gzip compressed when
// compressed is true, and returns its path.
func WriteUmamiDump(t *testing.T, d UmamiDump, compressed bool) string {
	t.Helper()

	text := d.SQL()
	name := "umami.sql"
	data := []byte(text)
	if compressed {
		var buf bytes.Buffer
		zw := gzip.NewWriter(&buf)
		_, err := zw.Write(data)
		require.NoError(t, err)
		require.NoError(t, zw.Close())
		data = buf.Bytes()
		name = "umami.sql.gz"
	}

	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, data, 0o644))
	return path
}

// WriteDumpText writes raw dump text to a temporary file.
func WriteDumpText(t *testing.T, text string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "dump.sql")
	require.NoError(t, os.WriteFile(path, []byte(text), 0o644))
	return path
}

// SampleUmamiDump builds a dump with 2 websites, 3 sessions, 100 page views
// and 10 custom events spread over a few hours of start.
func SampleUmamiDump(start time.Time) UmamiDump {
	d := UmamiDump{
		Websites: []UmamiWebsite{
			{ID: "a1b2c3d4-0000-0000-0000-000000000001", Name: "Example Blog", Domain: "blog.example.com"},
			{ID: "a1b2c3d4-0000-0000-0000-000000000002", Name: "Shop", Domain: "shop.example.org"},
		},
		Sessions: []UmamiSession{
			{ID: "5e550000-0000-0000-0000-000000000001", WebsiteID: "a1b2c3d4-0000-0000-0000-000000000001", Browser: "chrome", OS: "Windows 10", Device: "desktop", Screen: "1920x1080", Country: "US"},
			{ID: "5e550000-0000-0000-0000-000000000002", WebsiteID: "a1b2c3d4-0000-0000-0000-000000000001", Browser: "ios", OS: "iOS", Device: "mobile", Screen: "390x844", Country: "DE"},
			{ID: "5e550000-0000-0000-0000-000000000003", WebsiteID: "a1b2c3d4-0000-0000-0000-000000000002", Browser: "firefox", OS: "Mac OS", Device: "laptop", Screen: "1440x900", Country: "FR"},
		},
	}

	pages := []string{"/", "/pricing", "/blog/o'reilly", "/about"}
	referrers := []string{"", "google.com", "news.ycombinator.com"}
	for i := 0; i < 100; i++ {
		s := d.Sessions[i%len(d.Sessions)]
		d.Events = append(d.Events, UmamiEvent{
			ID:             fmt.Sprintf("e0000000-0000-0000-0000-%012d", i),
			WebsiteID:      s.WebsiteID,
			SessionID:      s.ID,
			CreatedAt:      start.Add(time.Duration(i) * 3 * time.Minute),
			URLPath:        pages[i%len(pages)],
			ReferrerDomain: referrers[i%len(referrers)],
			EventType:      1,
		})
	}
	for i := 0; i < 10; i++ {
		s := d.Sessions[i%len(d.Sessions)]
		d.Events = append(d.Events, UmamiEvent{
			ID:        fmt.Sprintf("e1000000-0000-0000-0000-%012d", i),
			WebsiteID: s.WebsiteID,
			SessionID: s.ID,
			CreatedAt: start.Add(time.Duration(i) * 17 * time.Minute),
			URLPath:   "/signup",
			EventType: 2,
			EventName: "signup-click",
		})
	}
	d.RowsPerStatement = 10
	return d
}
