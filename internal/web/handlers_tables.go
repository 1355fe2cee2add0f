package web

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/JonMunkholm/csvingest/internal/ingest"
	"github.com/JonMunkholm/csvingest/internal/logging"
)

// handleExport streams a table as delimited text.
//
// Query: delimiter, quote, header (default true), lineEnding (crlf or lf).
func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	table := chi.URLParam(r, "table")
	opts, err := exportOptions(r)
	if err != nil {
		respondError(w, r, err, http.StatusBadRequest)
		return
	}

	timestamp := time.Now().Format("20060102_150405")
	filename := fmt.Sprintf("%s_%s.csv", safeFilename(table), timestamp)
	w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="%s"`, filename))

	ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
	if err := s.service.Export(r.Context(), table, ww, opts); err != nil {
		if ww.BytesWritten() == 0 {
			w.Header().Del("Content-Disposition")
			respondError(w, r, err, 0)
			return
		}
		// too late for a status code, the client sees a truncated file
		logging.FromContext(r.Context()).Error("export interrupted",
			"table", table,
			"bytes", ww.BytesWritten(),
			"error", err,
		)
	}
}

func exportOptions(r *http.Request) (ingest.ExportOptions, error) {
	opts := ingest.DefaultExportOptions()
	q := r.URL.Query()
	var err error

	if v, ok := q["delimiter"]; ok {
		if opts.Delimiter, err = ingest.ParseDelimiter(v[0]); err != nil {
			return opts, err
		}
	}
	if v, ok := q["quote"]; ok {
		if opts.Quote, err = ingest.ParseQuote(v[0]); err != nil {
			return opts, err
		}
	}
	if v := q.Get("header"); v != "" {
		if opts.Header, err = strconv.ParseBool(v); err != nil {
			return opts, fmt.Errorf("%w: header must be true or false", ingest.ErrInvalidSession)
		}
	}
	switch strings.ToLower(q.Get("lineEnding")) {
	case "", "crlf":
	case "lf":
		opts.LineEnding = "\n"
	default:
		return opts, fmt.Errorf("%w: lineEnding must be crlf or lf", ingest.ErrInvalidSession)
	}
	if opts.Quote != 0 && opts.Quote == opts.Delimiter {
		return opts, fmt.Errorf("%w: quote and delimiter must differ", ingest.ErrInvalidSession)
	}
	return opts, nil
}

// safeFilename keeps letters, digits, dash and underscore.
func safeFilename(s string) string {
	name := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		}
		return '_'
	}, s)
	if name == "" {
		return "export"
	}
	return name
}

// handleHealth reports liveness, destination reachability and commit slots.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	resp := map[string]any{
		"status":  "ok",
		"imports": s.service.LimiterStatus(),
	}
	status := http.StatusOK
	if err := s.service.Ping(ctx); err != nil {
		logging.FromContext(r.Context()).Error("health check failed", "error", err)
		resp["status"] = "unavailable"
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, r, status, resp)
}
