package core

import (
	"context"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"
)

const participantColumns = `stream_id, user_id, role, status, position, created_at, updated_at`

type ParticipantsDBStorer interface {
	// Upsert creates the roster entry or moves an existing one to p.Status, keeping its position.
	Upsert(ctx context.Context, p *Participant) (*Participant, error)
	Get(ctx context.Context, streamID string, userID string) (*Participant, error)
	List(ctx context.Context, streamID string) ([]*Participant, error)
	SetStatus(ctx context.Context, streamID string, userID string, status ParticipantStatus) (*Participant, error)
	// Approve marks the entry approved and gives it the next position on the stream.
	Approve(ctx context.Context, streamID string, userID string) (*Participant, error)
}

type ParticipantsRepository struct {
	db *sqlx.DB
}

func NewParticipantsRepository(db *sqlx.DB) ParticipantsDBStorer {
	return &ParticipantsRepository{
		db: db,
	}
}

func (r *ParticipantsRepository) Upsert(ctx context.Context, p *Participant) (*Participant, error) {
	out := &Participant{}

	err := r.db.GetContext(ctx, out,
		`INSERT INTO stream_participants (stream_id, user_id, role, status, position, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $6)
		ON CONFLICT (stream_id, user_id) DO UPDATE SET
			status = EXCLUDED.status,
			updated_at = EXCLUDED.updated_at
		RETURNING `+participantColumns,
		p.StreamID,
		p.UserID,
		string(p.Role),
		string(p.Status),
		p.Position,
		p.UpdatedAt,
	)
	if err != nil {
		return nil, errors.Wrap(err, "upsert participant")
	}

	return out, nil
}

func (r *ParticipantsRepository) Get(ctx context.Context, streamID string, userID string) (*Participant, error) {
	p := &Participant{}

	err := r.db.GetContext(ctx, p,
		`SELECT `+participantColumns+` FROM stream_participants WHERE stream_id = $1 AND user_id = $2`,
		streamID,
		userID,
	)
	if err != nil {
		return nil, notFound(err, "get participant")
	}

	return p, nil
}

func (r *ParticipantsRepository) List(ctx context.Context, streamID string) ([]*Participant, error) {
	participants := []*Participant{}

	err := r.db.SelectContext(ctx, &participants,
		`SELECT `+participantColumns+` FROM stream_participants
		WHERE stream_id = $1
		ORDER BY position NULLS LAST, created_at`,
		streamID,
	)
	if err != nil {
		return nil, errors.Wrap(err, "list participants")
	}

	return participants, nil
}

func (r *ParticipantsRepository) SetStatus(ctx context.Context, streamID string, userID string, status ParticipantStatus) (*Participant, error) {
	p := &Participant{}

	err := r.db.GetContext(ctx, p,
		`UPDATE stream_participants SET status = $3, updated_at = $4
		WHERE stream_id = $1 AND user_id = $2
		RETURNING `+participantColumns,
		streamID,
		userID,
		string(status),
		time.Now(),
	)
	if err != nil {
		return nil, notFound(err, "set participant status")
	}

	return p, nil
}

func (r *ParticipantsRepository) Approve(ctx context.Context, streamID string, userID string) (*Participant, error) {
	p := &Participant{}

	err := r.db.GetContext(ctx, p,
		`UPDATE stream_participants SET
			status = 'approved',
			updated_at = $3,
			position = (SELECT COALESCE(MAX(position), 0) + 1 FROM stream_participants WHERE stream_id = $1)
		WHERE stream_id = $1 AND user_id = $2
		RETURNING `+participantColumns,
		streamID,
		userID,
		time.Now(),
	)
	if err != nil {
		return nil, notFound(err, "approve participant")
	}

	return p, nil
}
