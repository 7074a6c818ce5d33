package api

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/creator-crawler/internal/crawler"
	"github.com/JakeFAU/creator-crawler/internal/store"
)

const (
	defaultPendingLimit = 20
	maxPendingLimit     = 500
	defaultProfileLimit = 100
	maxProfileLimit     = 1000
)

type profileRef struct {
	ID string `json:"id"`
}

type reserveRequest struct {
	Profiles  []profileRef `json:"profiles"`
	SessionID string       `json:"sessionId"`
	Page      int          `json:"page"`
}

// reserveProfiles handles POST /api/profiles. It inserts unknown identifiers as
// id_only and reports how many were new.
func (s *Server) reserveProfiles(w http.ResponseWriter, r *http.Request) {
	var req reserveRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	ids := make([]string, 0, len(req.Profiles))
	for _, p := range req.Profiles {
		if id := strings.TrimSpace(p.ID); id != "" {
			ids = append(ids, id)
		}
	}
	if len(ids) == 0 {
		writeError(w, http.StatusBadRequest, "profiles must contain at least one id")
		return
	}
	inserted, err := s.store.UpsertIdentityBatch(r.Context(), store.IdentityBatch{
		IDs:       ids,
		SessionID: req.SessionID,
		Page:      req.Page,
		SeenAt:    s.clock.Now(),
	})
	if err != nil {
		s.fail(w, r, "failed to reserve profiles", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"received": len(ids), "inserted": inserted})
}

// pendingProfiles handles GET /api/profiles/unscraped?limit=&sessionId=&after=.
func (s *Server) pendingProfiles(w http.ResponseWriter, r *http.Request) {
	limit, _, err := parseLimitOffset(r, defaultPendingLimit, maxPendingLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	q := r.URL.Query()
	ids, err := s.store.FetchPendingIdentities(r.Context(), limit, store.PendingFilter{
		SessionID: q.Get("sessionId"),
		After:     q.Get("after"),
	})
	if err != nil {
		s.fail(w, r, "failed to fetch pending profiles", err)
		return
	}
	out := make([]profileRef, 0, len(ids))
	for _, id := range ids {
		out = append(out, profileRef{ID: id})
	}
	writeJSON(w, http.StatusOK, map[string]any{"profiles": out, "count": len(out)})
}

// progress handles GET /api/profiles/progress?sessionId=.
func (s *Server) progress(w http.ResponseWriter, r *http.Request) {
	sum, err := s.store.ProgressSummary(r.Context(), r.URL.Query().Get("sessionId"))
	if err != nil {
		s.fail(w, r, "failed to load progress", err)
		return
	}
	writeJSON(w, http.StatusOK, sum)
}

// listProfiles handles GET /api/profiles?sessionId=&status=&limit=&offset=.
func (s *Server) listProfiles(w http.ResponseWriter, r *http.Request) {
	limit, offset, err := parseLimitOffset(r, defaultProfileLimit, maxProfileLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	q := r.URL.Query()
	var status crawler.Status
	if raw := q.Get("status"); raw != "" {
		if status, err = crawler.ParseStatus(raw); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	}
	recs, err := s.store.ListProfiles(r.Context(), store.ProfileQuery{
		SessionID: q.Get("sessionId"),
		Status:    status,
		Limit:     limit,
		Offset:    offset,
	})
	if err != nil {
		s.fail(w, r, "failed to list profiles", err)
		return
	}
	if recs == nil {
		recs = []crawler.ProfileRecord{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"profiles": recs})
}

func (s *Server) getProfile(w http.ResponseWriter, r *http.Request) {
	rec, err := s.store.GetProfile(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, "failed to load profile", err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// clearProfiles handles DELETE /api/profiles?sessionId=. Without a session it
// clears every row.
func (s *Server) clearProfiles(w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get("sessionId")
	n, err := s.store.ClearProfiles(r.Context(), sessionID)
	if err != nil {
		s.fail(w, r, "failed to clear profiles", err)
		return
	}
	s.logger.Info("profiles cleared", zap.String("session_id", sessionID), zap.Int64("deleted", n))
	writeJSON(w, http.StatusOK, map[string]int64{"deleted": n})
}

// purgeInvalid handles DELETE /api/profiles/invalid, removing stored
// identifiers the listing filter would have rejected.
func (s *Server) purgeInvalid(w http.ResponseWriter, r *http.Request) {
	ids, err := s.store.PurgeIdentities(r.Context(), s.validID)
	if err != nil {
		s.fail(w, r, "failed to purge invalid profiles", err)
		return
	}
	if ids == nil {
		ids = []string{}
	}
	s.logger.Info("invalid profiles purged", zap.Int("deleted", len(ids)))
	writeJSON(w, http.StatusOK, map[string]any{"deleted": len(ids), "ids": ids})
}

// stats handles GET /api/stats?sessionId=.
func (s *Server) stats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.store.ProfileStats(r.Context(), r.URL.Query().Get("sessionId"))
	if err != nil {
		s.fail(w, r, "failed to load stats", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]crawler.ProfileStats{"stats": stats})
}

type detailRequest struct {
	crawler.ProfileDetails
	Status string `json:"status"`
	Error  string `json:"error"`
}

// outcome converts an extension-reported result into a store outcome.
// scraped (or no status) requires a name, invalid is terminal, and
// failed or id_only count as a retryable attempt.
func (d detailRequest) outcome() (crawler.Outcome, error) {
	status, err := crawler.ParseStatus(d.Status)
	if err != nil {
		return crawler.Outcome{}, err
	}
	if strings.TrimSpace(d.Status) == "" {
		status = crawler.StatusScraped
	}
	switch status {
	case crawler.StatusScraped:
		if !d.HasName() {
			return crawler.Outcome{}, errors.New("name is required for a scraped profile")
		}
		return crawler.Scraped(d.normalized()), nil
	case crawler.StatusInvalid:
		return crawler.Invalid(reason(d.Error, "reported invalid")), nil
	default:
		return crawler.Retryable(reason(d.Error, "reported "+string(status))), nil
	}
}

func (d detailRequest) normalized() crawler.ProfileDetails {
	out := d.ProfileDetails
	out.Socials = out.Socials[:0:0]
	for _, sl := range d.Socials {
		p, ok := crawler.ParsePlatform(string(sl.Platform))
		if !ok {
			continue
		}
		sl.Platform = p
		out.Socials = append(out.Socials, sl)
	}
	return out
}

func reason(given, fallback string) string {
	if strings.TrimSpace(given) != "" {
		return given
	}
	return fallback
}

// applyProfile handles PUT /api/profiles/{id}. A scraped result upserts the
// row; other results answer 404 for unknown ids. Terminal rows answer 409.
func (s *Server) applyProfile(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req detailRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	outcome, err := req.outcome()
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.store.ApplyDetailResult(r.Context(), id, outcome, s.clock.Now()); err != nil {
		if errors.Is(err, store.ErrTerminalStatus) {
			s.logger.Warn("detail result rejected", zap.String("profile_id", id), zap.Error(err))
		}
		s.fail(w, r, "failed to apply detail result", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"id": id, "outcome": string(outcome.Kind)})
}

func parseLimitOffset(r *http.Request, def, maxLimit int) (int, int, error) {
	q := r.URL.Query()
	limit := def
	if limStr := q.Get("limit"); limStr != "" {
		val, err := strconv.Atoi(limStr)
		if err != nil || val <= 0 {
			return 0, 0, errors.New("invalid limit")
		}
		if val > maxLimit {
			val = maxLimit
		}
		limit = val
	}
	offset := 0
	if offStr := q.Get("offset"); offStr != "" {
		val, err := strconv.Atoi(offStr)
		if err != nil || val < 0 {
			return 0, 0, errors.New("invalid offset")
		}
		offset = val
	}
	return limit, offset, nil
}
