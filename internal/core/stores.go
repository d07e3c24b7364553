package core

import "github.com/jmoiron/sqlx"

// Stores bundles every repository the signaling layer needs.
type Stores struct {
	Calls        CallSessionsDBStorer
	Signals      SignalsDBStorer
	Streams      StreamsDBStorer
	Participants ParticipantsDBStorer
	Comments     CommentsDBStorer
	Moderation   ModerationDBStorer
}

func NewStores(db *sqlx.DB) *Stores {
	return &Stores{
		Calls:        NewCallSessionsRepository(db),
		Signals:      NewSignalsRepository(db),
		Streams:      NewStreamsRepository(db),
		Participants: NewParticipantsRepository(db),
		Comments:     NewCommentsRepository(db),
		Moderation:   NewModerationRepository(db),
	}
}
