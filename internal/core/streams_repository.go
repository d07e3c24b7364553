package core

import (
	"context"
	"database/sql"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"
)

const streamColumns = `id, host_id, title, mode, stream_type, status, slow_mode_seconds, pinned_comment_id,
	created_at, started_at, ended_at, duration_seconds, end_reason`

type StreamsDBStorer interface {
	Create(ctx context.Context, stream *Stream) (*Stream, error)
	Get(ctx context.Context, id string) (*Stream, error)
	// SetStatus moves a stream between prelive, live and paused. Ended streams are left untouched.
	SetStatus(ctx context.Context, id string, status StreamStatus) (*Stream, error)
	Finish(ctx context.Context, id string, reason EndReason, endedAt time.Time) (*Stream, error)
	SetSlowMode(ctx context.Context, id string, seconds int) (*Stream, error)
	// Pin replaces the pinned comment; nil unpins.
	Pin(ctx context.Context, id string, commentID *int64) (*Stream, error)
}

type StreamsRepository struct {
	db *sqlx.DB
}

func NewStreamsRepository(db *sqlx.DB) StreamsDBStorer {
	return &StreamsRepository{
		db: db,
	}
}

func (r *StreamsRepository) Create(ctx context.Context, stream *Stream) (*Stream, error) {
	_, err := r.db.NamedExecContext(ctx,
		`INSERT INTO streams
			(id, host_id, title, mode, stream_type, status, slow_mode_seconds, created_at, started_at)
		VALUES
			(:id, :host_id, :title, :mode, :stream_type, :status, :slow_mode_seconds, :created_at, :started_at)`,
		stream,
	)
	if err != nil {
		return nil, errors.Wrap(err, "insert stream")
	}

	return stream, nil
}

func (r *StreamsRepository) Get(ctx context.Context, id string) (*Stream, error) {
	stream := &Stream{}

	err := r.db.GetContext(ctx, stream, `SELECT `+streamColumns+` FROM streams WHERE id = $1`, id)
	if err != nil {
		return nil, notFound(err, "get stream")
	}

	return stream, nil
}

func (r *StreamsRepository) SetStatus(ctx context.Context, id string, status StreamStatus) (*Stream, error) {
	return r.update(ctx, id, "set stream status",
		`UPDATE streams SET status = $2, started_at = COALESCE(started_at, CASE WHEN $2 = 'live' THEN NOW() END)
		WHERE id = $1 AND status <> 'ended'
		RETURNING `+streamColumns,
		id, string(status),
	)
}

func (r *StreamsRepository) Finish(ctx context.Context, id string, reason EndReason, endedAt time.Time) (*Stream, error) {
	return r.update(ctx, id, "finish stream",
		`UPDATE streams SET status = 'ended', end_reason = $2, ended_at = $3,
			duration_seconds = COALESCE(EXTRACT(EPOCH FROM ($3 - started_at))::int, 0)
		WHERE id = $1 AND status <> 'ended'
		RETURNING `+streamColumns,
		id, string(reason), endedAt,
	)
}

func (r *StreamsRepository) SetSlowMode(ctx context.Context, id string, seconds int) (*Stream, error) {
	return r.update(ctx, id, "set slow mode",
		`UPDATE streams SET slow_mode_seconds = $2
		WHERE id = $1 AND status <> 'ended'
		RETURNING `+streamColumns,
		id, seconds,
	)
}

func (r *StreamsRepository) Pin(ctx context.Context, id string, commentID *int64) (*Stream, error) {
	return r.update(ctx, id, "pin comment",
		`UPDATE streams SET pinned_comment_id = $2
		WHERE id = $1 AND status <> 'ended'
		RETURNING `+streamColumns,
		id, commentID,
	)
}

func (r *StreamsRepository) update(ctx context.Context, id string, msg string, query string, args ...interface{}) (*Stream, error) {
	stream := &Stream{}

	err := r.db.GetContext(ctx, stream, query, args...)
	if err == sql.ErrNoRows {
		if _, err := r.Get(ctx, id); err != nil {
			return nil, err
		}
		return nil, ErrSessionTerminal
	}
	if err != nil {
		return nil, errors.Wrap(err, msg)
	}

	return stream, nil
}
