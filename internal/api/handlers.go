package api

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/chrissnell/drydown/internal/drydown"
	"github.com/chrissnell/drydown/internal/storage"
	"github.com/chrissnell/drydown/pkg/responseformat"
)

const (
	defaultLimit = 100
	maxLimit     = 1000
)

// Handlers contains all HTTP handlers for the results API
type Handlers struct {
	server    *Server
	formatter *responseformat.Formatter
}

// NewHandlers creates a new handlers instance
func NewHandlers(s *Server) *Handlers {
	return &Handlers{
		server:    s,
		formatter: responseformat.NewFormatter(),
	}
}

// Observation is one day of an event's soil-moisture record. Value is null
// on days without a measurement.
type Observation struct {
	Date  string   `json:"date"`
	Value *float64 `json:"value"`
}

// EventDetail is an event with its day-by-day observations
type EventDetail struct {
	storage.EventRecord
	Observations []Observation `json:"observations"`
}

// ListRuns handles GET /api/v1/runs
func (h *Handlers) ListRuns(w http.ResponseWriter, req *http.Request) {
	limit, err := parseLimit(req)
	if err != nil {
		h.sendError(w, req, http.StatusBadRequest, "invalid limit", err)
		return
	}

	runs, err := h.server.store.ListRuns(req.Context(), limit)
	if err != nil {
		h.sendError(w, req, http.StatusInternalServerError, "failed to list runs", err)
		return
	}
	h.send(w, req, http.StatusOK, nonNil(runs))
}

// StartRun handles POST /api/v1/runs
func (h *Handlers) StartRun(w http.ResponseWriter, req *http.Request) {
	err := h.server.opts.Trigger.StartRun()
	switch {
	case errors.Is(err, ErrRunInProgress):
		h.sendError(w, req, http.StatusConflict, "a run is already in progress", nil)
		return
	case err != nil:
		h.sendError(w, req, http.StatusInternalServerError, "failed to start run", err)
		return
	}
	h.send(w, req, http.StatusAccepted, map[string]string{"status": "started"})
}

// ListEvents handles GET /api/v1/sites/{site}/events
func (h *Handlers) ListEvents(w http.ResponseWriter, req *http.Request) {
	filter, err := parseEventFilter(req)
	if err != nil {
		h.sendError(w, req, http.StatusBadRequest, "invalid event filter", err)
		return
	}

	events, err := h.server.store.ListEvents(req.Context(), filter)
	if err != nil {
		h.sendError(w, req, http.StatusInternalServerError, "failed to list events", err)
		return
	}
	h.send(w, req, http.StatusOK, nonNil(events))
}

// GetEvent handles GET /api/v1/events/{id}
func (h *Handlers) GetEvent(w http.ResponseWriter, req *http.Request) {
	id, err := uuid.Parse(mux.Vars(req)["id"])
	if err != nil {
		h.sendError(w, req, http.StatusBadRequest, "invalid event id", err)
		return
	}

	ev, err := h.server.store.GetEvent(req.Context(), id)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		h.sendError(w, req, http.StatusNotFound, "event not found", nil)
		return
	case err != nil:
		h.sendError(w, req, http.StatusInternalServerError, "failed to load event", err)
		return
	}
	h.send(w, req, http.StatusOK, eventDetail(ev))
}

// ListComparisons handles GET /api/v1/sites/{site}/comparisons
func (h *Handlers) ListComparisons(w http.ResponseWriter, req *http.Request) {
	comparisons, err := h.server.store.ListComparisons(req.Context(), mux.Vars(req)["site"])
	if err != nil {
		h.sendError(w, req, http.StatusInternalServerError, "failed to list comparisons", err)
		return
	}
	h.send(w, req, http.StatusOK, nonNil(comparisons))
}

// GetLossCurve handles GET /api/v1/sites/{site}/loss-curve. The curve is the
// median of the site's accepted power-law fits, optionally from one run.
func (h *Handlers) GetLossCurve(w http.ResponseWriter, req *http.Request) {
	accepted := true
	filter := storage.EventFilter{
		Site:     mux.Vars(req)["site"],
		Variant:  string(drydown.VariantPowerLaw),
		Accepted: &accepted,
	}
	if v := req.URL.Query().Get("run"); v != "" {
		id, err := uuid.Parse(v)
		if err != nil {
			h.sendError(w, req, http.StatusBadRequest, "invalid run id", err)
			return
		}
		filter.RunID = &id
	}

	events, err := h.server.store.ListEvents(req.Context(), filter)
	if err != nil {
		h.sendError(w, req, http.StatusInternalServerError, "failed to list events", err)
		return
	}

	var fits []drydown.PowerLawFit
	for _, ev := range events {
		for _, f := range ev.Fits {
			if fit, ok := f.PowerLaw(ev.Bounds()); ok {
				fits = append(fits, fit)
			}
		}
	}
	if len(fits) == 0 {
		h.sendError(w, req, http.StatusNotFound, "no accepted power-law fits for site", nil)
		return
	}

	curve, err := drydown.MedianLossCurve(fits, h.server.opts.LossCurveStep)
	if err != nil {
		h.sendError(w, req, http.StatusUnprocessableEntity, "cannot build loss curve", err)
		return
	}
	h.send(w, req, http.StatusOK, curve)
}

// Health handles GET /healthz
func (h *Handlers) Health(w http.ResponseWriter, req *http.Request) {
	ctx, cancel := context.WithTimeout(req.Context(), pingTimeout)
	defer cancel()

	if err := h.server.store.Ping(ctx); err != nil {
		h.sendError(w, req, http.StatusServiceUnavailable, "store unavailable", err)
		return
	}
	h.send(w, req, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handlers) send(w http.ResponseWriter, req *http.Request, status int, data any) {
	if err := h.formatter.WriteResponseWithStatus(w, req, status, data, nil); err != nil {
		h.server.logger.Errorf("error writing response to %s: %v", req.URL.Path, err)
	}
}

func (h *Handlers) sendError(w http.ResponseWriter, req *http.Request, status int, message string, err error) {
	if status >= http.StatusInternalServerError {
		h.server.logger.Errorw(message, "path", req.URL.Path, "error", err)
	}
	if werr := h.formatter.WriteError(w, req, status, message, err); werr != nil {
		h.server.logger.Errorf("error writing error response to %s: %v", req.URL.Path, werr)
	}
}

func parseLimit(req *http.Request) (int, error) {
	v := req.URL.Query().Get("limit")
	if v == "" {
		return defaultLimit, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, err
	}
	if n < 1 || n > maxLimit {
		return 0, fmt.Errorf("limit must be between 1 and %d, got %d", maxLimit, n)
	}
	return n, nil
}

func parseEventFilter(req *http.Request) (storage.EventFilter, error) {
	q := req.URL.Query()
	filter := storage.EventFilter{Site: mux.Vars(req)["site"]}

	limit, err := parseLimit(req)
	if err != nil {
		return filter, err
	}
	filter.Limit = limit

	if v := q.Get("variant"); v != "" {
		variant, err := drydown.ParseVariant(v)
		if err != nil {
			return filter, err
		}
		filter.Variant = string(variant)
	}
	if v := q.Get("accepted"); v != "" {
		accepted, err := strconv.ParseBool(v)
		if err != nil {
			return filter, fmt.Errorf("accepted must be a boolean: %w", err)
		}
		filter.Accepted = &accepted
	}
	if v := q.Get("run"); v != "" {
		id, err := uuid.Parse(v)
		if err != nil {
			return filter, fmt.Errorf("invalid run id: %w", err)
		}
		filter.RunID = &id
	}
	return filter, nil
}

func eventDetail(ev storage.EventRecord) EventDetail {
	d := EventDetail{EventRecord: ev, Observations: make([]Observation, len(ev.Observations))}
	for i, v := range ev.Observations {
		d.Observations[i].Date = ev.Start.AddDate(0, 0, i).Format(time.DateOnly)
		if !math.IsNaN(v) {
			v := v
			d.Observations[i].Value = &v
		}
	}
	return d
}

// nonNil keeps empty lists encoding as [] rather than null
func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
