package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/NeoRevolt/byoncall-sdk/internal/auth"
	"github.com/NeoRevolt/byoncall-sdk/internal/database"
	"github.com/NeoRevolt/byoncall-sdk/internal/history"
)

// PermissionStore persists permission reports
type PermissionStore interface {
	Create(ctx context.Context, report *database.PermissionReport) error
}

// ReportHandler accepts device permission reports
type ReportHandler struct {
	reports PermissionStore
	logger  *slog.Logger
	now     func() time.Time
}

func NewReportHandler(reports PermissionStore, logger *slog.Logger) *ReportHandler {
	return &ReportHandler{reports: reports, logger: logger, now: time.Now}
}

// ReportPermissions stores which permissions the caller's device granted
func (h *ReportHandler) ReportPermissions(w http.ResponseWriter, r *http.Request) {
	phone, ok := auth.GetPhone(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "Not authenticated")
		return
	}

	var req history.PermissionReport
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.ReportedAt.IsZero() {
		req.ReportedAt = h.now().UTC()
	}

	report := &database.PermissionReport{
		Phone:        phone,
		Camera:       req.Camera,
		Microphone:   req.Microphone,
		Notification: req.Notification,
		ReportedAt:   req.ReportedAt,
	}
	if err := h.reports.Create(r.Context(), report); err != nil {
		h.logger.Error("failed to store permission report", "error", err, "phone", phone)
		writeError(w, http.StatusInternalServerError, "Failed to store report")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}
