package database

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// PermissionReport is a device's camera, microphone and notification grant state
type PermissionReport struct {
	ID           uuid.UUID
	Phone        string
	Camera       bool
	Microphone   bool
	Notification bool
	ReportedAt   time.Time
	CreatedAt    time.Time
}

// PermissionRepository stores permission reports
type PermissionRepository struct {
	db *DB
}

// NewPermissionRepository creates a new PermissionRepository
func NewPermissionRepository(db *DB) *PermissionRepository {
	return &PermissionRepository{db: db}
}

// Create inserts a report
func (r *PermissionRepository) Create(ctx context.Context, report *PermissionReport) error {
	if report.ID == uuid.Nil {
		report.ID = uuid.New()
	}
	query := `
		INSERT INTO permission_reports (id, phone, camera, microphone, notification, reported_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING created_at
	`
	return r.db.Pool.QueryRow(ctx, query,
		report.ID, report.Phone, report.Camera, report.Microphone, report.Notification, report.ReportedAt,
	).Scan(&report.CreatedAt)
}

// Latest returns the most recent report for phone
func (r *PermissionRepository) Latest(ctx context.Context, phone string) (*PermissionReport, error) {
	query := `
		SELECT id, phone, camera, microphone, notification, reported_at, created_at
		FROM permission_reports
		WHERE phone = $1
		ORDER BY reported_at DESC
		LIMIT 1
	`
	var p PermissionReport
	err := r.db.Pool.QueryRow(ctx, query, phone).Scan(
		&p.ID, &p.Phone, &p.Camera, &p.Microphone, &p.Notification, &p.ReportedAt, &p.CreatedAt,
	)
	if err != nil {
		if isNoRows(err) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &p, nil
}
