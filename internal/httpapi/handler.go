package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/xaenox/inbox-triage/internal/ingest"
	"github.com/xaenox/inbox-triage/internal/models"
	"go.uber.org/zap"
)

const maxBodyBytes = 64 << 10

// Service is the ingest surface the handler needs.
type Service interface {
	Ingest(ctx context.Context, req ingest.Request) (*models.Message, error)
	HighPriority(ctx context.Context) ([]models.Conversation, error)
}

type Handler struct {
	service Service
	logger  *zap.Logger
}

type errorResponse struct {
	Error string `json:"error"`
}

func NewHandler(service Service, logger *zap.Logger) (*Handler, error) {
	if service == nil {
		return nil, errors.New("httpapi: service must not be nil")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{service: service, logger: logger}, nil
}

// Ingest handles POST /api/messages/ingest.
func (h *Handler) Ingest(w http.ResponseWriter, r *http.Request) {
	var req ingest.Request
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "malformed request body"})
		return
	}

	msg, err := h.service.Ingest(r.Context(), req)
	if err != nil {
		h.writeError(w, err)
		return
	}

	w.Header().Set("Location", "/api/messages/"+msg.ID)
	writeJSON(w, http.StatusCreated, msg)
}

// Priority handles GET /api/conversations/priority.
func (h *Handler) Priority(w http.ResponseWriter, r *http.Request) {
	convs, err := h.service.HighPriority(r.Context())
	if err != nil {
		h.writeError(w, err)
		return
	}
	if convs == nil {
		convs = []models.Conversation{}
	}
	writeJSON(w, http.StatusOK, convs)
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	var ierr *ingest.Error
	if errors.As(err, &ierr) && ierr.Code == ingest.ErrorInvalidInput {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: ierr.Reason})
		return
	}
	h.logger.Error("Request failed", zap.Error(err))
	writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "internal server error"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
