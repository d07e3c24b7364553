package core

import (
	"context"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"
)

const commentColumns = `id, stream_id, user_id, body, created_at, deleted_at`

type CommentsDBStorer interface {
	Insert(ctx context.Context, comment *Comment) (*Comment, error)
	Get(ctx context.Context, streamID string, id int64) (*Comment, error)
	SoftDelete(ctx context.Context, streamID string, id int64, at time.Time) error
	// List returns the latest visible comments, oldest first.
	List(ctx context.Context, streamID string, limit int) ([]*Comment, error)
	InsertReaction(ctx context.Context, reaction *Reaction) (*Reaction, error)
}

type CommentsRepository struct {
	db *sqlx.DB
}

func NewCommentsRepository(db *sqlx.DB) CommentsDBStorer {
	return &CommentsRepository{
		db: db,
	}
}

func (r *CommentsRepository) Insert(ctx context.Context, comment *Comment) (*Comment, error) {
	err := r.db.QueryRowxContext(ctx,
		`INSERT INTO stream_comments (stream_id, user_id, body, created_at)
		VALUES ($1, $2, $3, $4)
		RETURNING id`,
		comment.StreamID,
		comment.UserID,
		comment.Body,
		comment.CreatedAt,
	).Scan(&comment.ID)
	if err != nil {
		return nil, errors.Wrap(err, "insert comment")
	}

	return comment, nil
}

func (r *CommentsRepository) Get(ctx context.Context, streamID string, id int64) (*Comment, error) {
	c := &Comment{}

	err := r.db.GetContext(ctx, c,
		`SELECT `+commentColumns+` FROM stream_comments WHERE stream_id = $1 AND id = $2`,
		streamID,
		id,
	)
	if err != nil {
		return nil, notFound(err, "get comment")
	}

	return c, nil
}

func (r *CommentsRepository) SoftDelete(ctx context.Context, streamID string, id int64, at time.Time) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE stream_comments SET deleted_at = COALESCE(deleted_at, $3) WHERE stream_id = $1 AND id = $2`,
		streamID,
		id,
		at,
	)
	if err != nil {
		return errors.Wrap(err, "delete comment")
	}

	n, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "delete comment")
	}
	if n == 0 {
		return ErrCommentNotFound
	}

	return nil
}

func (r *CommentsRepository) List(ctx context.Context, streamID string, limit int) ([]*Comment, error) {
	comments := []*Comment{}

	err := r.db.SelectContext(ctx, &comments,
		`SELECT `+commentColumns+` FROM (
			SELECT `+commentColumns+` FROM stream_comments
			WHERE stream_id = $1 AND deleted_at IS NULL
			ORDER BY id DESC LIMIT $2
		) latest ORDER BY id`,
		streamID,
		limit,
	)
	if err != nil {
		return nil, errors.Wrap(err, "list comments")
	}

	return comments, nil
}

func (r *CommentsRepository) InsertReaction(ctx context.Context, reaction *Reaction) (*Reaction, error) {
	err := r.db.QueryRowxContext(ctx,
		`INSERT INTO stream_reactions (stream_id, user_id, emoji, created_at)
		VALUES ($1, $2, $3, $4)
		RETURNING id`,
		reaction.StreamID,
		reaction.UserID,
		reaction.Emoji,
		reaction.CreatedAt,
	).Scan(&reaction.ID)
	if err != nil {
		return nil, errors.Wrap(err, "insert reaction")
	}

	return reaction, nil
}
