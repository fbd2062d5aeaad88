package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/JakeFAU/osint-watchtower/internal/osint"
)

// listRuns handles GET /v1/runs?source=&limit=. It returns {"runs": [...]} newest
// first, 400 for an invalid limit, 503 without a store, or 500 on store errors.
func (s *Server) listRuns(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		writeError(w, http.StatusServiceUnavailable, "store unavailable")
		return
	}
	limit, err := parseLimit(r, defaultRunLimit, maxRunLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), storeTimeout)
	defer cancel()

	runs, err := s.store.ListRuns(ctx, osint.RunQuery{
		SourceName: strings.TrimSpace(r.URL.Query().Get("source")),
		Limit:      limit,
	})
	if err != nil {
		s.logger.Error("list runs failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list runs")
		return
	}
	if runs == nil {
		runs = []osint.RunMetrics{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": runs})
}

// indexes handles GET /v1/admin/indexes.
func (s *Server) indexes(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		writeError(w, http.StatusServiceUnavailable, "store unavailable")
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), storeTimeout)
	defer cancel()
	idx, err := s.store.Reindex(ctx)
	if err != nil {
		s.logger.Error("index inspection failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to inspect indexes")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"indexes": idx})
}

// vacuum handles POST /v1/admin/vacuum. Reclamation waits for in-flight writes, so
// it runs without the per-request store timeout.
func (s *Server) vacuum(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		writeError(w, http.StatusServiceUnavailable, "store unavailable")
		return
	}
	if err := s.store.Vacuum(r.Context()); err != nil {
		s.logger.Error("vacuum failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "vacuum failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "vacuumed"})
}

// reload handles POST /v1/admin/reload. A rule load error leaves the previous
// rule set active and returns 422 with the active version.
func (s *Server) reload(w http.ResponseWriter, _ *http.Request) {
	if s.reloader == nil {
		writeError(w, http.StatusServiceUnavailable, "rule engine unavailable")
		return
	}
	if err := s.reloader.ForceReload(); err != nil {
		var ruleErr *osint.RuleLoadError
		status := http.StatusInternalServerError
		if errors.As(err, &ruleErr) {
			status = http.StatusUnprocessableEntity
		}
		writeJSON(w, status, map[string]any{
			"error":          err.Error(),
			"active_version": s.reloader.Version(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "reloaded", "version": s.reloader.Version()})
}

func parseLimit(r *http.Request, def, maxLimit int) (int, error) {
	limStr := r.URL.Query().Get("limit")
	if limStr == "" {
		return def, nil
	}
	val, err := strconv.Atoi(limStr)
	if err != nil || val <= 0 {
		return 0, errors.New("invalid limit")
	}
	if val > maxLimit {
		val = maxLimit
	}
	return val, nil
}
