package api

import (
	"context"
	"log/slog"
	"net/http"

	"moneyflow-events/ingest/internal/pipeline"
	"moneyflow-events/ingest/internal/sanitize"
	"moneyflow-events/ingest/internal/validate"
	"moneyflow-events/shared/authx"
	"moneyflow-events/shared/events"
	"moneyflow-events/shared/httpx"
	"moneyflow-events/shared/logx"
	"moneyflow-events/shared/metricsx"
)

const CodeDuplicateEvent = "DUPLICATE_EVENT"

// Ingester is the post-validation stage. *pipeline.Pipeline satisfies it.
type Ingester interface {
	Ingest(ctx context.Context, evs []events.Event, tr sanitize.Transport) pipeline.Outcome
}

type Handler struct {
	validator *validate.Validator
	ingester  Ingester
	logger    logx.Logger
	maxBody   int64
}

func NewHandler(v *validate.Validator, ingester Ingester, maxBody int64, logger logx.Logger) *Handler {
	if maxBody <= 0 {
		maxBody = 10 << 20
	}
	return &Handler{validator: v, ingester: ingester, logger: logger, maxBody: maxBody}
}

// Register mounts the event routes under prefix ("" or "/api/v1").
func (h *Handler) Register(mux *http.ServeMux, prefix string) {
	mux.HandleFunc("POST "+prefix+"/events", h.postEvent)
	mux.HandleFunc("POST "+prefix+"/events/batch", h.postBatch)
	mux.HandleFunc("GET "+prefix+"/events/types", h.getTypes)
}

type eventAccepted struct {
	Success   bool   `json:"success"`
	Message   string `json:"message"`
	Code      string `json:"code,omitempty"`
	EventID   string `json:"event_id"`
	Duplicate bool   `json:"duplicate"`
}

type batchAccepted struct {
	Success    bool   `json:"success"`
	Message    string `json:"message"`
	Count      int    `json:"count"`
	Accepted   int    `json:"accepted"`
	Duplicates int    `json:"duplicates"`
}

type typesResponse struct {
	Success    bool     `json:"success"`
	EventTypes []string `json:"event_types"`
}

func (h *Handler) postEvent(w http.ResponseWriter, r *http.Request) {
	body, err := httpx.ReadBody(w, r, h.maxBody)
	if err != nil {
		httpx.WriteBodyError(w, r, err)
		return
	}
	ev, problems := h.validator.Event(body)
	if len(problems) > 0 {
		h.rejectInvalid(w, r, "/events", problems)
		return
	}

	out := h.ingester.Ingest(r.Context(), []events.Event{ev}, transport(r))
	resp := eventAccepted{Success: true, Message: "Event accepted", EventID: ev.EventID}
	if len(out.Duplicates) > 0 {
		resp.Message = "Event already processed"
		resp.Code = CodeDuplicateEvent
		resp.Duplicate = true
		metricsx.AddEventsReceived("/events", "duplicate", 1)
	} else {
		metricsx.AddEventsReceived("/events", "accepted", 1)
		h.logger.Info(r.Context(), "event_received", "event accepted",
			slog.String("request_id", httpx.RequestIDFromContext(r.Context())),
			slog.String("event_id", ev.EventID),
			slog.String("event_type", ev.EventType),
			slog.String("user_id", out.Accepted[0].UserIDOrAnonymous()),
		)
	}
	httpx.WriteJSON(w, http.StatusAccepted, resp)
}

func (h *Handler) postBatch(w http.ResponseWriter, r *http.Request) {
	body, err := httpx.ReadBody(w, r, h.maxBody)
	if err != nil {
		httpx.WriteBodyError(w, r, err)
		return
	}
	evs, problems := h.validator.Batch(body)
	if len(problems) > 0 {
		h.rejectInvalid(w, r, "/events/batch", problems)
		return
	}

	out := h.ingester.Ingest(r.Context(), evs, transport(r))
	metricsx.AddEventsReceived("/events/batch", "accepted", len(out.Accepted))
	metricsx.AddEventsReceived("/events/batch", "duplicate", len(out.Duplicates))
	h.logger.Info(r.Context(), "event_batch_received", "event batch accepted",
		slog.String("request_id", httpx.RequestIDFromContext(r.Context())),
		slog.Int("count", len(evs)),
		slog.Int("accepted", len(out.Accepted)),
		slog.Int("duplicates", len(out.Duplicates)),
	)
	httpx.WriteJSON(w, http.StatusAccepted, batchAccepted{
		Success:    true,
		Message:    "Events accepted",
		Count:      len(evs),
		Accepted:   len(out.Accepted),
		Duplicates: len(out.Duplicates),
	})
}

func (h *Handler) getTypes(w http.ResponseWriter, r *http.Request) {
	httpx.WriteJSON(w, http.StatusOK, typesResponse{Success: true, EventTypes: events.AllTypes()})
}

func (h *Handler) rejectInvalid(w http.ResponseWriter, r *http.Request, route string, problems validate.Violations) {
	metricsx.IncValidationFailure()
	h.logger.Info(r.Context(), "event_rejected", "event validation failed",
		slog.String("request_id", httpx.RequestIDFromContext(r.Context())),
		slog.String("route", route),
		slog.Int("violations", len(problems)),
	)
	httpx.WriteError(w, r, http.StatusBadRequest, httpx.CodeValidation, "event validation failed", problems)
}

func transport(r *http.Request) sanitize.Transport {
	return sanitize.Transport{
		IP:        httpx.ClientIP(r),
		UserAgent: r.UserAgent(),
		UserID:    authx.UserIDFromContext(r.Context()),
	}
}
