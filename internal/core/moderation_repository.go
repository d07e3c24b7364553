package core

import (
	"context"
	"database/sql"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"
)

type ModerationDBStorer interface {
	Mute(ctx context.Context, streamID string, userID string, until time.Time) error
	// MutedUntil returns the zero time when the user was never muted.
	MutedUntil(ctx context.Context, streamID string, userID string) (time.Time, error)
	Block(ctx context.Context, streamID string, userID string) error
	IsBlocked(ctx context.Context, streamID string, userID string) (bool, error)
}

type ModerationRepository struct {
	db *sqlx.DB
}

func NewModerationRepository(db *sqlx.DB) ModerationDBStorer {
	return &ModerationRepository{
		db: db,
	}
}

func (r *ModerationRepository) Mute(ctx context.Context, streamID string, userID string, until time.Time) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO stream_mutes (stream_id, user_id, muted_until) VALUES ($1, $2, $3)
		ON CONFLICT (stream_id, user_id) DO UPDATE SET muted_until = EXCLUDED.muted_until`,
		streamID,
		userID,
		until,
	)
	return errors.Wrap(err, "mute participant")
}

func (r *ModerationRepository) MutedUntil(ctx context.Context, streamID string, userID string) (time.Time, error) {
	var until time.Time

	err := r.db.GetContext(ctx, &until,
		`SELECT muted_until FROM stream_mutes WHERE stream_id = $1 AND user_id = $2`,
		streamID,
		userID,
	)
	if err == sql.ErrNoRows {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, errors.Wrap(err, "select mute")
	}

	return until, nil
}

func (r *ModerationRepository) Block(ctx context.Context, streamID string, userID string) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO stream_blocks (stream_id, user_id, created_at) VALUES ($1, $2, NOW())
		ON CONFLICT (stream_id, user_id) DO NOTHING`,
		streamID,
		userID,
	)
	return errors.Wrap(err, "block participant")
}

func (r *ModerationRepository) IsBlocked(ctx context.Context, streamID string, userID string) (bool, error) {
	var blocked bool

	err := r.db.GetContext(ctx, &blocked,
		`SELECT EXISTS (SELECT 1 FROM stream_blocks WHERE stream_id = $1 AND user_id = $2)`,
		streamID,
		userID,
	)
	if err != nil {
		return false, errors.Wrap(err, "select block")
	}

	return blocked, nil
}
