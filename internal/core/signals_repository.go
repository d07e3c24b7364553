package core

import (
	"context"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"
)

const signalColumns = `id, session_id, from_id, to_id, kind, payload, processed, created_at`

type SignalsDBStorer interface {
	Insert(ctx context.Context, signal *Signal) (*Signal, error)
	// Unprocessed lists pending signals for toID, oldest first. An empty sessionID matches any session.
	Unprocessed(ctx context.Context, toID string, sessionID string) ([]*Signal, error)
	// MarkProcessed reports whether this call was the one that flipped the flag.
	MarkProcessed(ctx context.Context, id int64) (bool, error)
	LatestOffer(ctx context.Context, sessionID string, toID string) (*Signal, error)
	DeleteProcessed(ctx context.Context, before time.Time) (int64, error)
}

type SignalsRepository struct {
	db *sqlx.DB
}

func NewSignalsRepository(db *sqlx.DB) SignalsDBStorer {
	return &SignalsRepository{
		db: db,
	}
}

func (r *SignalsRepository) Insert(ctx context.Context, signal *Signal) (*Signal, error) {
	err := r.db.QueryRowxContext(ctx,
		`INSERT INTO signals (session_id, from_id, to_id, kind, payload, processed, created_at)
		VALUES ($1, $2, $3, $4, $5, false, $6)
		RETURNING id`,
		signal.SessionID,
		signal.FromID,
		signal.ToID,
		string(signal.Kind),
		signal.Payload,
		signal.CreatedAt,
	).Scan(&signal.ID)
	if err != nil {
		return nil, errors.Wrap(err, "insert signal")
	}

	return signal, nil
}

func (r *SignalsRepository) Unprocessed(ctx context.Context, toID string, sessionID string) ([]*Signal, error) {
	signals := []*Signal{}

	err := r.db.SelectContext(ctx, &signals,
		`SELECT `+signalColumns+` FROM signals
		WHERE to_id = $1 AND processed = false AND ($2 = '' OR session_id = $2)
		ORDER BY id`,
		toID,
		sessionID,
	)
	if err != nil {
		return nil, errors.Wrap(err, "select unprocessed signals")
	}

	return signals, nil
}

func (r *SignalsRepository) MarkProcessed(ctx context.Context, id int64) (bool, error) {
	res, err := r.db.ExecContext(ctx,
		`UPDATE signals SET processed = true WHERE id = $1 AND processed = false`,
		id,
	)
	if err != nil {
		return false, errors.Wrap(err, "mark signal processed")
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, errors.Wrap(err, "mark signal processed")
	}

	return n == 1, nil
}

func (r *SignalsRepository) LatestOffer(ctx context.Context, sessionID string, toID string) (*Signal, error) {
	signal := &Signal{}

	err := r.db.GetContext(ctx, signal,
		`SELECT `+signalColumns+` FROM signals
		WHERE session_id = $1 AND to_id = $2 AND kind = 'offer'
		ORDER BY id DESC LIMIT 1`,
		sessionID,
		toID,
	)
	if err != nil {
		return nil, notFound(err, "select latest offer")
	}

	return signal, nil
}

func (r *SignalsRepository) DeleteProcessed(ctx context.Context, before time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx,
		`DELETE FROM signals WHERE processed = true AND created_at < $1`,
		before,
	)
	if err != nil {
		return 0, errors.Wrap(err, "delete processed signals")
	}

	return res.RowsAffected()
}
