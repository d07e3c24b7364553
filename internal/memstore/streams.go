package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/isqad/livelook-signal/internal/core"
)

type Streams struct {
	mu      sync.Mutex
	streams map[string]*core.Stream
}

func NewStreams() *Streams {
	return &Streams{streams: make(map[string]*core.Stream)}
}

func (s *Streams) Create(_ context.Context, stream *core.Stream) (*core.Stream, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored := *stream
	s.streams[stored.ID] = &stored
	return stream, nil
}

func (s *Streams) Get(_ context.Context, id string) (*core.Stream, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stream, ok := s.streams[id]
	if !ok {
		return nil, core.ErrNotFound
	}
	out := *stream
	return &out, nil
}

func (s *Streams) SetStatus(_ context.Context, id string, status core.StreamStatus) (*core.Stream, error) {
	return s.update(id, func(stream *core.Stream) {
		stream.Status = status
		if status == core.StreamLive && stream.StartedAt == nil {
			now := time.Now()
			stream.StartedAt = &now
		}
	})
}

func (s *Streams) Finish(_ context.Context, id string, reason core.EndReason, endedAt time.Time) (*core.Stream, error) {
	return s.update(id, func(stream *core.Stream) {
		duration := 0
		if stream.StartedAt != nil {
			duration = int(endedAt.Sub(*stream.StartedAt).Seconds())
		}
		stream.Status = core.StreamEnded
		stream.EndReason = &reason
		stream.EndedAt = &endedAt
		stream.DurationSeconds = &duration
	})
}

func (s *Streams) SetSlowMode(_ context.Context, id string, seconds int) (*core.Stream, error) {
	return s.update(id, func(stream *core.Stream) {
		stream.SlowModeSeconds = seconds
	})
}

func (s *Streams) Pin(_ context.Context, id string, commentID *int64) (*core.Stream, error) {
	return s.update(id, func(stream *core.Stream) {
		if commentID == nil {
			stream.PinnedCommentID = nil
			return
		}
		pinned := *commentID
		stream.PinnedCommentID = &pinned
	})
}

func (s *Streams) update(id string, fn func(*core.Stream)) (*core.Stream, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stream, ok := s.streams[id]
	if !ok {
		return nil, core.ErrNotFound
	}
	if stream.IsEnded() {
		return nil, core.ErrSessionTerminal
	}
	fn(stream)

	out := *stream
	return &out, nil
}

type participantKey struct {
	streamID string
	userID   string
}

type Participants struct {
	mu           sync.Mutex
	participants map[participantKey]*core.Participant
}

func NewParticipants() *Participants {
	return &Participants{participants: make(map[participantKey]*core.Participant)}
}

func (s *Participants) Upsert(_ context.Context, p *core.Participant) (*core.Participant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := participantKey{p.StreamID, p.UserID}
	if existing, ok := s.participants[key]; ok {
		existing.Status = p.Status
		existing.UpdatedAt = p.UpdatedAt
		out := *existing
		return &out, nil
	}

	stored := *p
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = p.UpdatedAt
	}
	s.participants[key] = &stored

	out := stored
	return &out, nil
}

func (s *Participants) Get(_ context.Context, streamID string, userID string) (*core.Participant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.participants[participantKey{streamID, userID}]
	if !ok {
		return nil, core.ErrNotFound
	}
	out := *p
	return &out, nil
}

func (s *Participants) List(_ context.Context, streamID string) ([]*core.Participant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := []*core.Participant{}
	for key, p := range s.participants {
		if key.streamID == streamID {
			c := *p
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i].Position, out[j].Position
		switch {
		case a != nil && b != nil && *a != *b:
			return *a < *b
		case a != nil && b == nil:
			return true
		case a == nil && b != nil:
			return false
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})

	return out, nil
}

func (s *Participants) SetStatus(_ context.Context, streamID string, userID string, status core.ParticipantStatus) (*core.Participant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.participants[participantKey{streamID, userID}]
	if !ok {
		return nil, core.ErrNotFound
	}
	p.Status = status
	p.UpdatedAt = time.Now()

	out := *p
	return &out, nil
}

func (s *Participants) Approve(_ context.Context, streamID string, userID string) (*core.Participant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.participants[participantKey{streamID, userID}]
	if !ok {
		return nil, core.ErrNotFound
	}

	last := 0
	for key, other := range s.participants {
		if key.streamID == streamID && other.Position != nil && *other.Position > last {
			last = *other.Position
		}
	}
	position := last + 1
	p.Position = &position
	p.Status = core.ParticipantApproved
	p.UpdatedAt = time.Now()

	out := *p
	return &out, nil
}

type Comments struct {
	mu        sync.Mutex
	nextID    int64
	comments  []*core.Comment
	reactions []*core.Reaction
}

func NewComments() *Comments {
	return &Comments{}
}

func (s *Comments) Insert(_ context.Context, comment *core.Comment) (*core.Comment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextID++
	comment.ID = s.nextID
	stored := *comment
	s.comments = append(s.comments, &stored)

	return comment, nil
}

func (s *Comments) Get(_ context.Context, streamID string, id int64) (*core.Comment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, c := range s.comments {
		if c.StreamID == streamID && c.ID == id {
			out := *c
			return &out, nil
		}
	}
	return nil, core.ErrNotFound
}

func (s *Comments) SoftDelete(_ context.Context, streamID string, id int64, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, c := range s.comments {
		if c.StreamID == streamID && c.ID == id {
			if c.DeletedAt == nil {
				c.DeletedAt = &at
			}
			return nil
		}
	}
	return core.ErrCommentNotFound
}

func (s *Comments) List(_ context.Context, streamID string, limit int) ([]*core.Comment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := []*core.Comment{}
	for _, c := range s.comments {
		if c.StreamID == streamID && c.DeletedAt == nil {
			cp := *c
			out = append(out, &cp)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

func (s *Comments) InsertReaction(_ context.Context, reaction *core.Reaction) (*core.Reaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextID++
	reaction.ID = s.nextID
	stored := *reaction
	s.reactions = append(s.reactions, &stored)

	return reaction, nil
}

type Moderation struct {
	mu      sync.Mutex
	mutes   map[participantKey]time.Time
	blocked map[participantKey]bool
}

func NewModeration() *Moderation {
	return &Moderation{
		mutes:   make(map[participantKey]time.Time),
		blocked: make(map[participantKey]bool),
	}
}

func (s *Moderation) Mute(_ context.Context, streamID string, userID string, until time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.mutes[participantKey{streamID, userID}] = until
	return nil
}

func (s *Moderation) MutedUntil(_ context.Context, streamID string, userID string) (time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.mutes[participantKey{streamID, userID}], nil
}

func (s *Moderation) Block(_ context.Context, streamID string, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.blocked[participantKey{streamID, userID}] = true
	return nil
}

func (s *Moderation) IsBlocked(_ context.Context, streamID string, userID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.blocked[participantKey{streamID, userID}], nil
}
