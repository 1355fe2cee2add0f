// Package cli implements the csvimport subcommands.
package cli

import (
	"flag"
	"fmt"
	"strconv"
	"strings"

	"github.com/JonMunkholm/csvingest/internal/config"
	"github.com/JonMunkholm/csvingest/internal/ingest"
)

// sessionFlags are the reader settings shared by preview and import.
type sessionFlags struct {
	delimiter  string
	quote      string
	encoding   string
	dateOrder  string
	header     bool
	detect     bool
	collapse   bool
	trim       bool
	startLine  int
	maxPreview int
}

func (f *sessionFlags) register(fs *flag.FlagSet) {
	fs.StringVar(&f.delimiter, "delimiter", "comma", "Field delimiter: comma, semicolon, tab, space, pipe or a single character")
	fs.StringVar(&f.quote, "quote", "double", "Quote character: double, single or none")
	fs.StringVar(&f.encoding, "encoding", "", "Source encoding label, e.g. windows-1252 (default utf-8)")
	fs.StringVar(&f.dateOrder, "date-order", "auto", "Order of ambiguous dates: auto, dmy, ymd or mdy")
	fs.BoolVar(&f.header, "header", true, "First row holds column names")
	fs.BoolVar(&f.detect, "detect", false, "Detect the delimiter and header row from the file")
	fs.BoolVar(&f.collapse, "collapse-delimiters", false, "Treat runs of delimiters as one")
	fs.BoolVar(&f.trim, "trim", false, "Trim whitespace around text values")
	fs.IntVar(&f.startLine, "start-line", 1, "First line to read (1-based)")
	fs.IntVar(&f.maxPreview, "max-preview", ingest.DefaultMaxPreviewRows, "Rows read by the preview pass")
}

// session builds the session, sniffing src first when -detect is set.
func (f *sessionFlags) session(src ingest.Source) (ingest.Session, error) {
	s := ingest.DefaultSession()
	var err error
	if s.Delimiter, err = ingest.ParseDelimiter(f.delimiter); err != nil {
		return s, err
	}
	if s.Quote, err = ingest.ParseQuote(f.quote); err != nil {
		return s, err
	}
	if s.DateOrder, err = ingest.ParseDateOrder(f.dateOrder); err != nil {
		return s, err
	}
	s.Encoding = f.encoding
	s.FirstRowIsHeader = f.header
	s.IgnoreDuplicateDelimiters = f.collapse
	s.TrimText = f.trim
	s.StartLine = f.startLine
	s.MaxPreviewRows = f.maxPreview

	if f.detect {
		sniffed, err := ingest.Sniff(src, s.Encoding)
		if err != nil {
			return s, err
		}
		s.Delimiter = sniffed.Delimiter
		s.FirstRowIsHeader = sniffed.FirstRowIsHeader
	}
	return s, s.Validate()
}

// dbFlags select the destination database. Unset flags fall back to
// DB_DRIVER and DATABASE_URL.
type dbFlags struct {
	driver string
	url    string
}

func (f *dbFlags) register(fs *flag.FlagSet) {
	fs.StringVar(&f.driver, "driver", "", "Database driver: sqlite or postgres (default $DB_DRIVER or sqlite)")
	fs.StringVar(&f.url, "db", "", "SQLite file or PostgreSQL URL (default $DATABASE_URL)")
}

func (f *dbFlags) config() (config.DatabaseConfig, error) {
	cfg, err := config.LoadDatabase()
	if err != nil {
		return cfg, err
	}
	if f.driver != "" {
		cfg.Driver = f.driver
	}
	if f.url != "" {
		cfg.URL = f.url
	}
	return cfg, nil
}

// parseOverrides parses "1=text,3=date" into column index -> value.
func parseOverrides(s string) (map[int]string, error) {
	out := make(map[int]string)
	if strings.TrimSpace(s) == "" {
		return out, nil
	}
	for _, part := range strings.Split(s, ",") {
		k, v, ok := strings.Cut(part, "=")
		if !ok {
			return nil, fmt.Errorf("override %q is not index=value", part)
		}
		idx, err := strconv.Atoi(strings.TrimSpace(k))
		if err != nil || idx < 0 {
			return nil, fmt.Errorf("override %q: column index must be a non-negative number", part)
		}
		out[idx] = strings.TrimSpace(v)
	}
	return out, nil
}
