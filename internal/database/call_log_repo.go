package database

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// CallLog is one finished call as reported by the owner's device
type CallLog struct {
	ID              uuid.UUID
	OwnerPhone      string
	PeerPhone       string
	PeerName        string
	Outcome         string
	Outgoing        bool
	Video           bool
	DurationSeconds int64
	StartedAt       time.Time
	RecordingKey    *string
	CreatedAt       time.Time
}

// CallLogRepository handles call log database operations
type CallLogRepository struct {
	db *DB
}

// NewCallLogRepository creates a new CallLogRepository
func NewCallLogRepository(db *DB) *CallLogRepository {
	return &CallLogRepository{db: db}
}

const callLogColumns = `id, owner_phone, peer_phone, peer_name, outcome, outgoing, video,
	duration_seconds, started_at, recording_key, created_at`

// Upsert stores a call log. Devices retry uploads, so a repeated ID from the
// same owner overwrites the earlier row; an ID owned by someone else is
// reported as ErrNotFound.
func (r *CallLogRepository) Upsert(ctx context.Context, log *CallLog) error {
	if log.ID == uuid.Nil {
		log.ID = uuid.New()
	}

	query := `
		INSERT INTO call_logs (id, owner_phone, peer_phone, peer_name, outcome, outgoing, video, duration_seconds, started_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO UPDATE SET
			peer_phone = EXCLUDED.peer_phone,
			peer_name = EXCLUDED.peer_name,
			outcome = EXCLUDED.outcome,
			outgoing = EXCLUDED.outgoing,
			video = EXCLUDED.video,
			duration_seconds = EXCLUDED.duration_seconds,
			started_at = EXCLUDED.started_at
		WHERE call_logs.owner_phone = EXCLUDED.owner_phone
		RETURNING created_at
	`

	err := r.db.Pool.QueryRow(ctx, query,
		log.ID, log.OwnerPhone, log.PeerPhone, log.PeerName, log.Outcome,
		log.Outgoing, log.Video, log.DurationSeconds, log.StartedAt,
	).Scan(&log.CreatedAt)
	if isNoRows(err) {
		return ErrNotFound
	}
	return err
}

// Get retrieves a call log owned by owner
func (r *CallLogRepository) Get(ctx context.Context, owner string, id uuid.UUID) (*CallLog, error) {
	query := `SELECT ` + callLogColumns + ` FROM call_logs WHERE id = $1 AND owner_phone = $2`

	log, err := scanCallLog(r.db.Pool.QueryRow(ctx, query, id, owner))
	if err != nil {
		if isNoRows(err) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return log, nil
}

// ListByOwner returns the owner's call history, newest first
func (r *CallLogRepository) ListByOwner(ctx context.Context, owner string, limit, offset int) ([]CallLog, error) {
	query := `
		SELECT ` + callLogColumns + `
		FROM call_logs
		WHERE owner_phone = $1
		ORDER BY started_at DESC, id
		LIMIT $2 OFFSET $3
	`

	rows, err := r.db.Pool.Query(ctx, query, owner, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	logs := []CallLog{}
	for rows.Next() {
		log, err := scanCallLog(rows)
		if err != nil {
			return nil, err
		}
		logs = append(logs, *log)
	}
	return logs, rows.Err()
}

// AttachRecording records the storage key of the call's recording
func (r *CallLogRepository) AttachRecording(ctx context.Context, owner string, id uuid.UUID, key string) error {
	tag, err := r.db.Pool.Exec(ctx,
		`UPDATE call_logs SET recording_key = $3 WHERE id = $1 AND owner_phone = $2`,
		id, owner, key,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func scanCallLog(row pgx.Row) (*CallLog, error) {
	var log CallLog
	err := row.Scan(
		&log.ID, &log.OwnerPhone, &log.PeerPhone, &log.PeerName, &log.Outcome,
		&log.Outgoing, &log.Video, &log.DurationSeconds, &log.StartedAt,
		&log.RecordingKey, &log.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &log, nil
}
