package web

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/JonMunkholm/csvingest/internal/core"
	"github.com/JonMunkholm/csvingest/internal/ingest"
)

// maxFormMemory is how much of a multipart upload is held in memory before
// the rest goes to temp files.
const maxFormMemory = 32 << 20

// handlePreview accepts a multipart upload and returns the preview.
//
// Form fields: file (required), delimiter, quote, header, startLine,
// maxPreviewRows, encoding, dateOrder, collapseDelimiters, trimText, detect.
func (s *Server) handlePreview(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.Import.MaxFileSize+maxFormMemory)
	if err := r.ParseMultipartForm(maxFormMemory); err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			respondError(w, r, core.ErrFileTooLarge, http.StatusRequestEntityTooLarge)
			return
		}
		badRequest(w, r, "invalid multipart form")
		return
	}
	defer r.MultipartForm.RemoveAll()

	file, header, err := r.FormFile("file")
	if err != nil {
		respondError(w, r, core.ErrNoFile, http.StatusBadRequest)
		return
	}
	defer file.Close()

	sess, detect, err := sessionFromForm(r, ingest.DefaultSession())
	if err != nil {
		respondError(w, r, err, http.StatusBadRequest)
		return
	}

	ctx := WithRequestMetadata(r.Context(), r)
	view, err := s.service.Preview(ctx, core.PreviewRequest{
		FileName:   header.Filename,
		Reader:     file,
		Session:    sess,
		AutoDetect: detect,
	})
	if err != nil {
		respondError(w, r, err, 0)
		return
	}
	writeJSON(w, r, http.StatusCreated, view)
}

// handleReconfigure previews an import again. Fields are read from the
// query or a urlencoded body, falling back to the import's current session.
func (s *Server) handleReconfigure(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	current, err := s.service.Job(id)
	if err != nil {
		respondError(w, r, err, 0)
		return
	}
	if err := r.ParseForm(); err != nil {
		badRequest(w, r, "invalid form")
		return
	}
	sess, detect, err := sessionFromForm(r, current.Session)
	if err != nil {
		respondError(w, r, err, http.StatusBadRequest)
		return
	}

	view, err := s.service.Reconfigure(WithRequestMetadata(r.Context(), r), id, sess, detect)
	if err != nil {
		respondError(w, r, err, 0)
		return
	}
	writeJSON(w, r, http.StatusOK, view)
}

// handleGetImport returns the import's state, preview and result.
func (s *Server) handleGetImport(w http.ResponseWriter, r *http.Request) {
	view, err := s.service.Job(chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, r, err, 0)
		return
	}
	writeJSON(w, r, http.StatusOK, view)
}

// handleCommit confirms the schema and starts the commit in the background.
func (s *Server) handleCommit(w http.ResponseWriter, r *http.Request) {
	var req core.CommitRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		badRequest(w, r, "invalid commit request: "+err.Error())
		return
	}

	view, err := s.service.Commit(WithRequestMetadata(r.Context(), r), chi.URLParam(r, "id"), req)
	if err != nil {
		respondError(w, r, err, 0)
		return
	}
	w.Header().Set("Location", "/api/imports/"+view.ID)
	writeJSON(w, r, http.StatusAccepted, view)
}

// handleCancel asks a running commit to stop. The outcome shows up in the
// import's result once the rollback is done.
func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	if err := s.service.Cancel(chi.URLParam(r, "id")); err != nil {
		respondError(w, r, err, 0)
		return
	}
	writeJSON(w, r, http.StatusAccepted, map[string]string{"status": "cancelling"})
}

// handleDiscard forgets an import and its uploaded file.
func (s *Server) handleDiscard(w http.ResponseWriter, r *http.Request) {
	if err := s.service.Discard(chi.URLParam(r, "id")); err != nil {
		respondError(w, r, err, 0)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleProgress streams commit progress via Server-Sent Events.
// Supports resumption via the Last-Event-ID header or lastEventId query
// parameter; the event id is the progress percentage.
func (s *Server) handleProgress(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	lastEventIDStr := r.Header.Get("Last-Event-ID")
	if lastEventIDStr == "" {
		lastEventIDStr = r.URL.Query().Get("lastEventId")
	}
	lastEventID := -1
	if lastEventIDStr != "" {
		if n, err := strconv.Atoi(lastEventIDStr); err == nil {
			lastEventID = n
		}
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		respondError(w, r, errors.New("streaming not supported"), http.StatusInternalServerError)
		return
	}

	updates, stop, err := s.service.SubscribeProgress(id)
	if err != nil {
		respondError(w, r, err, 0)
		return
	}
	defer stop()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case p, ok := <-updates:
			if !ok {
				// commit finished, cancelled or failed
				view, err := s.service.Job(id)
				if err != nil {
					writeEvent(w, "complete", "", struct{}{})
				} else {
					writeEvent(w, "complete", "", view)
				}
				flusher.Flush()
				return
			}

			percent := p.Percent()
			if percent <= lastEventID && percent < 100 {
				continue
			}
			lastEventID = percent
			writeEvent(w, "progress", strconv.Itoa(percent), p)
			flusher.Flush()

		case <-r.Context().Done():
			return
		}
	}
}

func writeEvent(w http.ResponseWriter, event, id string, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		data = []byte("{}")
	}
	if id != "" {
		fmt.Fprintf(w, "id: %s\n", id)
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
}

// sessionFromForm overrides base with the session fields present in the
// request form. It also reports whether sniffing was requested.
func sessionFromForm(r *http.Request, base ingest.Session) (ingest.Session, bool, error) {
	s := base
	has := func(k string) bool { _, ok := r.Form[k]; return ok }
	var err error

	if has("delimiter") {
		if s.Delimiter, err = ingest.ParseDelimiter(r.Form.Get("delimiter")); err != nil {
			return s, false, err
		}
	}
	if has("quote") {
		if s.Quote, err = ingest.ParseQuote(r.Form.Get("quote")); err != nil {
			return s, false, err
		}
	}
	if has("dateOrder") {
		if s.DateOrder, err = ingest.ParseDateOrder(r.Form.Get("dateOrder")); err != nil {
			return s, false, err
		}
	}
	if has("encoding") {
		s.Encoding = r.Form.Get("encoding")
	}

	for _, f := range []struct {
		key string
		dst *bool
	}{
		{"header", &s.FirstRowIsHeader},
		{"collapseDelimiters", &s.IgnoreDuplicateDelimiters},
		{"trimText", &s.TrimText},
	} {
		if !has(f.key) {
			continue
		}
		if *f.dst, err = strconv.ParseBool(r.Form.Get(f.key)); err != nil {
			return s, false, fmt.Errorf("%w: %s must be true or false", ingest.ErrInvalidSession, f.key)
		}
	}

	for _, f := range []struct {
		key string
		dst *int
	}{
		{"startLine", &s.StartLine},
		{"maxPreviewRows", &s.MaxPreviewRows},
	} {
		if !has(f.key) {
			continue
		}
		if *f.dst, err = strconv.Atoi(r.Form.Get(f.key)); err != nil {
			return s, false, fmt.Errorf("%w: %s must be a number", ingest.ErrInvalidSession, f.key)
		}
	}

	var detect bool
	if has("detect") {
		if detect, err = strconv.ParseBool(r.Form.Get("detect")); err != nil {
			return s, false, fmt.Errorf("%w: detect must be true or false", ingest.ErrInvalidSession)
		}
	}
	return s, detect, s.Validate()
}
