package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/NeoRevolt/byoncall-sdk/internal/auth"
	"github.com/NeoRevolt/byoncall-sdk/internal/database"
	"github.com/NeoRevolt/byoncall-sdk/internal/history"
	"github.com/NeoRevolt/byoncall-sdk/internal/storage"
)

const (
	defaultPageSize = 50
	maxPageSize     = 100
)

// CallLogStore persists call logs per owner phone
type CallLogStore interface {
	Upsert(ctx context.Context, log *database.CallLog) error
	Get(ctx context.Context, owner string, id uuid.UUID) (*database.CallLog, error)
	ListByOwner(ctx context.Context, owner string, limit, offset int) ([]database.CallLog, error)
	AttachRecording(ctx context.Context, owner string, id uuid.UUID, key string) error
}

// RecordingPresigner issues recording upload URLs
type RecordingPresigner interface {
	PresignUpload(ctx context.Context, owner string, callID uuid.UUID, contentType string) (*storage.Upload, error)
}

// CallResponse is a history entry as served to the owner's devices
type CallResponse struct {
	history.Entry
	RecordingKey *string `json:"recordingKey,omitempty"`
}

// RecordingRequest is the request body for POST /calls/{id}/recording
type RecordingRequest struct {
	ContentType string `json:"contentType"`
}

// CallHandler handles call-log HTTP endpoints
type CallHandler struct {
	calls      CallLogStore
	recordings RecordingPresigner
	logger     *slog.Logger
}

// NewCallHandler creates a new CallHandler. recordings may be nil when no
// bucket is configured.
func NewCallHandler(calls CallLogStore, recordings RecordingPresigner, logger *slog.Logger) *CallHandler {
	return &CallHandler{
		calls:      calls,
		recordings: recordings,
		logger:     logger,
	}
}

// GetCallHistory returns the caller's history, newest first
func (h *CallHandler) GetCallHistory(w http.ResponseWriter, r *http.Request) {
	phone, ok := auth.GetPhone(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "Not authenticated")
		return
	}

	limit := defaultPageSize
	offset := 0

	if l := r.URL.Query().Get("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 && parsed <= maxPageSize {
			limit = parsed
		}
	}
	if o := r.URL.Query().Get("offset"); o != "" {
		if parsed, err := strconv.Atoi(o); err == nil && parsed >= 0 {
			offset = parsed
		}
	}

	logs, err := h.calls.ListByOwner(r.Context(), phone, limit, offset)
	if err != nil {
		h.logger.Error("failed to get call history", "error", err, "phone", phone)
		writeError(w, http.StatusInternalServerError, "Failed to get call history")
		return
	}

	calls := make([]CallResponse, 0, len(logs))
	for i := range logs {
		calls = append(calls, toResponse(&logs[i]))
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"calls":  calls,
		"limit":  limit,
		"offset": offset,
	})
}

// GetCall returns one of the caller's calls
func (h *CallHandler) GetCall(w http.ResponseWriter, r *http.Request) {
	phone, ok := auth.GetPhone(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "Not authenticated")
		return
	}

	callID, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid call ID")
		return
	}

	log, err := h.calls.Get(r.Context(), phone, callID)
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			writeError(w, http.StatusNotFound, "Call not found")
			return
		}
		h.logger.Error("failed to get call", "error", err, "call_id", callID)
		writeError(w, http.StatusInternalServerError, "Failed to get call")
		return
	}

	writeJSON(w, http.StatusOK, toResponse(log))
}

// RecordCall stores a finished call reported by the caller's device
func (h *CallHandler) RecordCall(w http.ResponseWriter, r *http.Request) {
	phone, ok := auth.GetPhone(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "Not authenticated")
		return
	}

	var entry history.Entry
	if err := decodeJSON(w, r, &entry); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if err := entry.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}

	var id uuid.UUID
	if entry.ID != "" {
		parsed, err := uuid.Parse(entry.ID)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid call ID")
			return
		}
		id = parsed
	}

	log := &database.CallLog{
		ID:              id,
		OwnerPhone:      phone,
		PeerPhone:       entry.PeerID,
		PeerName:        entry.PeerName,
		Outcome:         string(entry.Outcome),
		Outgoing:        entry.Outgoing,
		Video:           entry.Video,
		DurationSeconds: entry.DurationSeconds,
		StartedAt:       entry.Timestamp,
	}
	if err := h.calls.Upsert(r.Context(), log); err != nil {
		if errors.Is(err, database.ErrNotFound) {
			// the ID belongs to another phone
			writeError(w, http.StatusConflict, "Call ID already in use")
			return
		}
		h.logger.Error("failed to record call", "error", err, "phone", phone)
		writeError(w, http.StatusInternalServerError, "Failed to record call")
		return
	}

	writeJSON(w, http.StatusCreated, toResponse(log))
}

// CreateRecordingUpload presigns an upload for the call's recording and
// attaches the object key to the call
func (h *CallHandler) CreateRecordingUpload(w http.ResponseWriter, r *http.Request) {
	phone, ok := auth.GetPhone(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "Not authenticated")
		return
	}
	if h.recordings == nil {
		writeError(w, http.StatusServiceUnavailable, "Recording storage not configured")
		return
	}

	callID, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid call ID")
		return
	}

	var req RecordingRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	if _, err := h.calls.Get(r.Context(), phone, callID); err != nil {
		if errors.Is(err, database.ErrNotFound) {
			writeError(w, http.StatusNotFound, "Call not found")
			return
		}
		h.logger.Error("failed to get call", "error", err, "call_id", callID)
		writeError(w, http.StatusInternalServerError, "Failed to get call")
		return
	}

	upload, err := h.recordings.PresignUpload(r.Context(), phone, callID, req.ContentType)
	if err != nil {
		if errors.Is(err, storage.ErrUnsupportedContent) {
			writeError(w, http.StatusBadRequest, "Unsupported content type")
			return
		}
		h.logger.Error("failed to presign recording upload", "error", err, "call_id", callID)
		writeError(w, http.StatusInternalServerError, "Failed to create upload")
		return
	}

	if err := h.calls.AttachRecording(r.Context(), phone, callID, upload.Key); err != nil {
		h.logger.Error("failed to attach recording", "error", err, "call_id", callID)
		writeError(w, http.StatusInternalServerError, "Failed to create upload")
		return
	}

	writeJSON(w, http.StatusCreated, upload)
}

func toResponse(log *database.CallLog) CallResponse {
	return CallResponse{
		Entry: history.Entry{
			ID:              log.ID.String(),
			PeerID:          log.PeerPhone,
			PeerName:        log.PeerName,
			DurationSeconds: log.DurationSeconds,
			Timestamp:       log.StartedAt,
			Outcome:         history.Outcome(log.Outcome),
			Outgoing:        log.Outgoing,
			Video:           log.Video,
		},
		RecordingKey: log.RecordingKey,
	}
}
