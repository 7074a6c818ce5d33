package api

import (
	"fmt"
	"io"
	"net/http"

	"go.uber.org/zap"

	"github.com/JakeFAU/creator-crawler/internal/dispatcher"
	"github.com/JakeFAU/creator-crawler/internal/export"
	"github.com/JakeFAU/creator-crawler/internal/metrics"
	"github.com/JakeFAU/creator-crawler/internal/session"
)

// exportCSV streams every record, or one session's, as CSV.
func (s *Server) exportCSV(w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get("sessionId")
	name := "profiles.csv"
	if sessionID != "" {
		name = fmt.Sprintf("profiles-%s.csv", sessionID)
	}
	w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", name))
	cw := &countingWriter{w: w}
	rows, err := export.WriteCSV(r.Context(), cw, s.store, sessionID, export.DefaultPageSize)
	if err != nil {
		// Headers are already sent; the truncated body is all the client gets.
		s.logger.Error("csv export failed",
			zap.String("request_id", requestID(r.Context())),
			zap.Int("rows", rows),
			zap.Error(err),
		)
		return
	}
	metrics.ObserveExportBytes(cw.n)
}

// exportSnapshot handles POST /api/export/snapshot?sessionId= by uploading a
// CSV snapshot to the export blob store.
func (s *Server) exportSnapshot(w http.ResponseWriter, r *http.Request) {
	if s.snapshot == nil {
		writeError(w, http.StatusServiceUnavailable, "export store not configured")
		return
	}
	res, err := s.snapshot.Export(r.Context(), r.URL.Query().Get("sessionId"))
	if err != nil {
		s.fail(w, r, "failed to export snapshot", err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

func (s *Server) crawlsReady(w http.ResponseWriter) bool {
	if s.crawls == nil {
		writeError(w, http.StatusServiceUnavailable, "crawl control not configured")
		return false
	}
	return true
}

// startList handles POST /api/crawl/list/start {url, resume}.
func (s *Server) startList(w http.ResponseWriter, r *http.Request) {
	if !s.crawlsReady(w) {
		return
	}
	var req session.ListRequest
	if r.ContentLength != 0 && !decodeJSON(w, r, &req) {
		return
	}
	if req.URL == "" && !req.Resume {
		writeError(w, http.StatusBadRequest, "url is required unless resuming")
		return
	}
	sess, err := s.crawls.StartList(req)
	if err != nil {
		s.fail(w, r, "failed to start list crawl", err)
		return
	}
	writeJSON(w, http.StatusAccepted, sess)
}

func (s *Server) stopList(w http.ResponseWriter, _ *http.Request) {
	if !s.crawlsReady(w) {
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"stopping": s.crawls.StopList()})
}

func (s *Server) checkpoint(w http.ResponseWriter, r *http.Request) {
	if !s.crawlsReady(w) {
		return
	}
	cp, err := s.crawls.Checkpoint(r.Context())
	if err != nil {
		s.fail(w, r, "failed to load checkpoint", err)
		return
	}
	writeJSON(w, http.StatusOK, cp)
}

// startDetails handles POST /api/crawl/details/start {maxParallel, retryFailed}.
func (s *Server) startDetails(w http.ResponseWriter, r *http.Request) {
	if !s.crawlsReady(w) {
		return
	}
	var req dispatcher.Request
	if r.ContentLength != 0 && !decodeJSON(w, r, &req) {
		return
	}
	if req.MaxParallel < 0 {
		writeError(w, http.StatusBadRequest, "maxParallel must be >= 0")
		return
	}
	if err := s.crawls.StartDetails(req); err != nil {
		s.fail(w, r, "failed to start detail crawl", err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]bool{"started": true})
}

func (s *Server) stopDetails(w http.ResponseWriter, _ *http.Request) {
	if !s.crawlsReady(w) {
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"stopping": s.crawls.StopDetails()})
}

func (s *Server) crawlStatus(w http.ResponseWriter, _ *http.Request) {
	if !s.crawlsReady(w) {
		return
	}
	writeJSON(w, http.StatusOK, s.crawls.Status())
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}
