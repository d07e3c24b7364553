package core

import (
	"context"
	"database/sql"
	"sort"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"
)

const callSessionColumns = `id, initiator_id, participant_id, mode, status, created_at,
	started_at, ended_at, duration_seconds, end_reason`

type CallSessionsDBStorer interface {
	// Create inserts a ringing session unless either party already has a live one
	// (active, or ringing and created after since).
	Create(ctx context.Context, session *CallSession, since time.Time) (*CallSession, error)
	Get(ctx context.Context, id string) (*CallSession, error)
	FindLiveForUser(ctx context.Context, userID string, since time.Time) (*CallSession, error)
	FindIncoming(ctx context.Context, userID string, since time.Time) ([]*CallSession, error)
	Activate(ctx context.Context, id string, startedAt time.Time) (*CallSession, error)
	Finish(ctx context.Context, id string, finish CallFinish) (*CallSession, error)
	ExpireStale(ctx context.Context, before time.Time) (int64, error)
}

type CallSessionsRepository struct {
	db *sqlx.DB
}

func NewCallSessionsRepository(db *sqlx.DB) CallSessionsDBStorer {
	return &CallSessionsRepository{
		db: db,
	}
}

// Create serializes on advisory locks of both users, so two transactions can't
// both pass the live session check for the same user.
func (r *CallSessionsRepository) Create(ctx context.Context, session *CallSession, since time.Time) (*CallSession, error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, errors.Wrap(err, "begin insert call session")
	}
	defer tx.Rollback()

	// fixed order, the locks are released on commit or rollback
	users := []string{session.InitiatorID, session.ParticipantID}
	sort.Strings(users)
	for _, userID := range users {
		if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, userID); err != nil {
			return nil, errors.Wrap(err, "lock call session users")
		}
	}

	res, err := tx.ExecContext(ctx,
		`INSERT INTO call_sessions (id, initiator_id, participant_id, mode, status, created_at)
		SELECT $1::text, $2::text, $3::text, $4::text, $5::text, $6::timestamptz
		WHERE NOT EXISTS (
			SELECT 1 FROM call_sessions
			WHERE (initiator_id IN ($2, $3) OR participant_id IN ($2, $3))
				AND (status = 'active' OR (status = 'ringing' AND created_at > $7))
		)`,
		session.ID,
		session.InitiatorID,
		session.ParticipantID,
		string(session.Mode),
		string(CallRinging),
		session.CreatedAt,
		since,
	)
	if err != nil {
		return nil, errors.Wrap(err, "insert call session")
	}

	n, err := res.RowsAffected()
	if err != nil {
		return nil, errors.Wrap(err, "insert call session")
	}
	if n == 0 {
		_, err := findLiveForUser(ctx, tx, session.InitiatorID, since)
		switch {
		case err == nil:
			return nil, ErrAlreadyInCall
		case errors.Is(err, ErrNotFound):
			return nil, ErrPeerBusy
		default:
			return nil, err
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, errors.Wrap(err, "commit call session")
	}

	session.Status = CallRinging
	return session, nil
}

func (r *CallSessionsRepository) Get(ctx context.Context, id string) (*CallSession, error) {
	session := &CallSession{}

	err := r.db.GetContext(ctx, session,
		`SELECT `+callSessionColumns+` FROM call_sessions WHERE id = $1`,
		id,
	)
	if err != nil {
		return nil, notFound(err, "get call session")
	}

	return session, nil
}

func (r *CallSessionsRepository) FindLiveForUser(ctx context.Context, userID string, since time.Time) (*CallSession, error) {
	return findLiveForUser(ctx, r.db, userID, since)
}

func findLiveForUser(ctx context.Context, q sqlx.QueryerContext, userID string, since time.Time) (*CallSession, error) {
	session := &CallSession{}

	err := sqlx.GetContext(ctx, q, session,
		`SELECT `+callSessionColumns+` FROM call_sessions
		WHERE (initiator_id = $1 OR participant_id = $1)
			AND (status = 'active' OR (status = 'ringing' AND created_at > $2))
		ORDER BY created_at DESC LIMIT 1`,
		userID,
		since,
	)
	if err != nil {
		return nil, notFound(err, "find live call session")
	}

	return session, nil
}

func (r *CallSessionsRepository) FindIncoming(ctx context.Context, userID string, since time.Time) ([]*CallSession, error) {
	sessions := []*CallSession{}

	err := r.db.SelectContext(ctx, &sessions,
		`SELECT `+callSessionColumns+` FROM call_sessions
		WHERE participant_id = $1 AND status = 'ringing' AND created_at > $2
		ORDER BY created_at`,
		userID,
		since,
	)
	if err != nil {
		return nil, errors.Wrap(err, "find incoming call sessions")
	}

	return sessions, nil
}

func (r *CallSessionsRepository) Activate(ctx context.Context, id string, startedAt time.Time) (*CallSession, error) {
	session := &CallSession{}

	err := r.db.GetContext(ctx, session,
		`UPDATE call_sessions SET status = 'active', started_at = $2
		WHERE id = $1 AND status = 'ringing'
		RETURNING `+callSessionColumns,
		id,
		startedAt,
	)
	if err == sql.ErrNoRows {
		return nil, r.whyUnchanged(ctx, id)
	}
	if err != nil {
		return nil, errors.Wrap(err, "activate call session")
	}

	return session, nil
}

func (r *CallSessionsRepository) Finish(ctx context.Context, id string, finish CallFinish) (*CallSession, error) {
	session := &CallSession{}

	err := r.db.GetContext(ctx, session,
		`UPDATE call_sessions SET status = $2, end_reason = $3, ended_at = $4, duration_seconds = $5
		WHERE id = $1 AND status IN ('ringing', 'active')
		RETURNING `+callSessionColumns,
		id,
		string(finish.Reason.TerminalStatus()),
		string(finish.Reason),
		finish.EndedAt,
		int(finish.Duration.Seconds()),
	)
	if err == sql.ErrNoRows {
		return nil, r.whyUnchanged(ctx, id)
	}
	if err != nil {
		return nil, errors.Wrap(err, "finish call session")
	}

	return session, nil
}

// ExpireStale closes sessions left non-terminal since before, e.g. after a client crash.
func (r *CallSessionsRepository) ExpireStale(ctx context.Context, before time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx,
		`UPDATE call_sessions SET
			status = CASE WHEN status = 'ringing' THEN 'missed' ELSE 'ended' END,
			end_reason = 'stale',
			ended_at = NOW(),
			duration_seconds = COALESCE(EXTRACT(EPOCH FROM (NOW() - started_at))::int, 0)
		WHERE status IN ('ringing', 'active') AND created_at < $1`,
		before,
	)
	if err != nil {
		return 0, errors.Wrap(err, "expire stale call sessions")
	}

	return res.RowsAffected()
}

func (r *CallSessionsRepository) whyUnchanged(ctx context.Context, id string) error {
	if _, err := r.Get(ctx, id); err != nil {
		return err
	}
	return ErrSessionTerminal
}

func notFound(err error, msg string) error {
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	return errors.Wrap(err, msg)
}
