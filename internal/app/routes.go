package app

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/MrWong99/donka/internal/detect"
	"github.com/MrWong99/donka/internal/health"
	"github.com/MrWong99/donka/internal/observe"
	"github.com/MrWong99/donka/internal/pattern"
	"github.com/MrWong99/donka/pkg/audio"
)

// maxPatternBytes bounds uploaded pattern documents.
const maxPatternBytes = 1 << 20

func (a *App) routes(mux *http.ServeMux) {
	health.New(a.checkers()...).Register(mux)
	if a.metricsHandler != nil {
		mux.Handle("GET /metrics", a.metricsHandler)
	}
	if a.gateway != nil {
		mux.Handle("GET /ws/audio", a.gateway)
	}

	mux.HandleFunc("GET /session", a.getSession)
	mux.HandleFunc("POST /session/start", a.postStart)
	mux.HandleFunc("POST /session/active", a.postActive)
	mux.HandleFunc("PUT /session/sensitivity", a.putSensitivity)

	mux.HandleFunc("GET /pattern", a.getPattern)
	mux.HandleFunc("DELETE /pattern", a.deletePattern)

	mux.HandleFunc("PUT /judge", a.putJudge)
	mux.HandleFunc("GET /judge", a.getJudge)
	mux.HandleFunc("DELETE /judge", a.deleteJudge)
}

// ─── session ─────────────────────────────────────────────────────────────────

func (a *App) getSession(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, a.session.Status())
}

// postStart runs detection for pattern recording without raising the
// gameplay gate.
func (a *App) postStart(w http.ResponseWriter, r *http.Request) {
	if err := a.session.Listen(r.Context()); err != nil {
		observe.Logger(r.Context()).Warn("start session failed", "err", err)
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, a.session.Status())
}

func (a *App) postActive(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Active *bool `json:"active"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Active == nil {
		writeError(w, http.StatusBadRequest, errors.New(`body must be {"active": bool}`))
		return
	}
	if err := a.session.SetActive(r.Context(), *req.Active); err != nil {
		observe.Logger(r.Context()).Warn("set active failed", "active", *req.Active, "err", err)
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, a.session.Status())
}

func (a *App) putSensitivity(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Sensitivity *int `json:"sensitivity"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Sensitivity == nil {
		writeError(w, http.StatusBadRequest, errors.New(`body must be {"sensitivity": int}`))
		return
	}
	if err := a.session.SetSensitivity(*req.Sensitivity); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, a.session.Status())
}

// ─── pattern ─────────────────────────────────────────────────────────────────

func (a *App) getPattern(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/yaml")
	if err := a.recorder.Pattern().Encode(w); err != nil {
		slog.Warn("encode pattern", "err", err)
	}
}

// deletePattern discards the recorded notes. With start_ms the next pattern
// is anchored there instead of at its first hit.
func (a *App) deletePattern(w http.ResponseWriter, r *http.Request) {
	origin, ok, err := startMs(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if ok {
		a.recorder.Begin(origin)
	} else {
		a.recorder.Clear()
	}
	w.WriteHeader(http.StatusNoContent)
}

// ─── judge ───────────────────────────────────────────────────────────────────

// putJudge starts judging live hits against the uploaded pattern. Offset
// zero is the start_ms query parameter (Unix milliseconds) or now.
func (a *App) putJudge(w http.ResponseWriter, r *http.Request) {
	origin, ok, err := startMs(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if !ok {
		origin = time.Now()
	}

	p, err := pattern.Decode(http.MaxBytesReader(w, r.Body, maxPatternBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	j := pattern.NewJudge(p, origin, a.cfg.Session.JudgeWindow())
	a.setJudge(j)
	observe.Logger(r.Context()).Info("judging pattern",
		"name", p.Name,
		"notes", len(p.Notes),
		"origin_ms", origin.UnixMilli(),
	)
	writeJSON(w, http.StatusCreated, j.Tally())
}

func (a *App) getJudge(w http.ResponseWriter, _ *http.Request) {
	j := a.currentJudge()
	if j == nil {
		writeError(w, http.StatusNotFound, errors.New("no pattern is being judged"))
		return
	}
	writeJSON(w, http.StatusOK, j.Tally())
}

func (a *App) deleteJudge(w http.ResponseWriter, _ *http.Request) {
	a.setJudge(nil)
	w.WriteHeader(http.StatusNoContent)
}

// ─── helpers ─────────────────────────────────────────────────────────────────

// startMs parses the optional start_ms query parameter.
func startMs(r *http.Request) (time.Time, bool, error) {
	s := r.URL.Query().Get("start_ms")
	if s == "" {
		return time.Time{}, false, nil
	}
	ms, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return time.Time{}, false, errors.New("start_ms must be Unix milliseconds")
	}
	return time.UnixMilli(ms), true, nil
}

// statusFor maps session and device errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, detect.ErrInvalidSensitivity):
		return http.StatusBadRequest
	case errors.Is(err, audio.ErrPermissionDenied):
		return http.StatusForbidden
	case errors.Is(err, detect.ErrSessionAlreadyActive):
		return http.StatusConflict
	case errors.Is(err, audio.ErrDeviceUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
