package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/isqad/livelook-signal/internal/broadcast"
	"github.com/isqad/livelook-signal/internal/core"
)

const defaultCommentsLimit = 50

type StreamRequest struct {
	Title      string          `json:"title"`
	StreamType core.StreamType `json:"stream_type"`
	Mode       core.CallMode   `json:"mode"`
}

type StreamResponse struct {
	Stream       *core.Stream        `json:"stream"`
	Participants []*core.Participant `json:"participants"`
}

type UserRequest struct {
	UserID string `json:"user_id"`
}

type CommentRequest struct {
	Body string `json:"body"`
}

type ReactionRequest struct {
	Emoji string `json:"emoji"`
}

type DurationRequest struct {
	Seconds int `json:"seconds"`
}

func StreamCreateHandler(clients *Clients) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		client, err := clientFromRequest(clients, r)
		if err != nil {
			writeError(w, r, err)
			return
		}

		req := &StreamRequest{}
		if err := decode(r, req); err != nil {
			writeError(w, r, err)
			return
		}

		b, err := client.GoLive(r.Context(), req.Title, req.StreamType, req.Mode)
		if err != nil {
			writeError(w, r, err)
			return
		}

		writeJSON(w, http.StatusCreated, b.Stream())
	}
}

func StreamShowHandler(stores *core.Stores) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		streamID := chi.URLParam(r, "id")

		stream, err := stores.Streams.Get(r.Context(), streamID)
		if err != nil {
			writeError(w, r, err)
			return
		}
		participants, err := stores.Participants.List(r.Context(), streamID)
		if err != nil {
			writeError(w, r, err)
			return
		}

		writeJSON(w, http.StatusOK, StreamResponse{Stream: stream, Participants: participants})
	}
}

// hostHandler runs f on the stream the user hosts under the {id} of the route.
func hostHandler(clients *Clients, f func(w http.ResponseWriter, r *http.Request, b *broadcast.Broadcast)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		client, err := clientFromRequest(clients, r)
		if err != nil {
			writeError(w, r, err)
			return
		}
		b, err := client.Hosting(chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, r, err)
			return
		}

		f(w, r, b)
	}
}

func StreamDeleteHandler(clients *Clients) http.HandlerFunc {
	return hostHandler(clients, func(w http.ResponseWriter, r *http.Request, b *broadcast.Broadcast) {
		if err := b.End(r.Context()); err != nil {
			writeError(w, r, err)
			return
		}

		w.WriteHeader(http.StatusNoContent)
	})
}

func StreamPauseHandler(clients *Clients) http.HandlerFunc {
	return hostHandler(clients, func(w http.ResponseWriter, r *http.Request, b *broadcast.Broadcast) {
		stream, err := b.Pause(r.Context())
		if err != nil {
			writeError(w, r, err)
			return
		}

		writeJSON(w, http.StatusOK, stream)
	})
}

func StreamResumeHandler(clients *Clients) http.HandlerFunc {
	return hostHandler(clients, func(w http.ResponseWriter, r *http.Request, b *broadcast.Broadcast) {
		stream, err := b.Resume(r.Context())
		if err != nil {
			writeError(w, r, err)
			return
		}

		writeJSON(w, http.StatusOK, stream)
	})
}

func StreamInviteHandler(clients *Clients) http.HandlerFunc {
	return hostHandler(clients, func(w http.ResponseWriter, r *http.Request, b *broadcast.Broadcast) {
		req := &UserRequest{}
		if err := decode(r, req); err != nil {
			writeError(w, r, err)
			return
		}

		p, err := b.Invite(r.Context(), req.UserID)
		if err != nil {
			writeError(w, r, err)
			return
		}

		writeJSON(w, http.StatusCreated, p)
	})
}

func StreamApproveHandler(clients *Clients) http.HandlerFunc {
	return hostHandler(clients, func(w http.ResponseWriter, r *http.Request, b *broadcast.Broadcast) {
		p, err := b.Approve(r.Context(), chi.URLParam(r, "userID"))
		if err != nil {
			writeError(w, r, err)
			return
		}

		writeJSON(w, http.StatusOK, p)
	})
}

// StreamJoinHandler answers once the host's offer has been applied.
func StreamJoinHandler(clients *Clients) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		client, err := clientFromRequest(clients, r)
		if err != nil {
			writeError(w, r, err)
			return
		}

		v, err := client.Watch(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, r, err)
			return
		}

		writeJSON(w, http.StatusOK, v.State())
	}
}

func StreamLeaveHandler(clients *Clients) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		client, err := clientFromRequest(clients, r)
		if err != nil {
			writeError(w, r, err)
			return
		}

		if err := client.Leave(r.Context(), chi.URLParam(r, "id")); err != nil {
			writeError(w, r, err)
			return
		}

		w.WriteHeader(http.StatusNoContent)
	}
}

// viewerHandler runs f on the viewer of the stream under the {id} of the route.
func viewerHandler(clients *Clients, f func(w http.ResponseWriter, r *http.Request, v *broadcast.Viewer)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		client, err := clientFromRequest(clients, r)
		if err != nil {
			writeError(w, r, err)
			return
		}
		v, err := client.Watching(chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, r, err)
			return
		}

		f(w, r, v)
	}
}

func StreamRequestHandler(clients *Clients) http.HandlerFunc {
	return viewerHandler(clients, func(w http.ResponseWriter, r *http.Request, v *broadcast.Viewer) {
		p, err := v.RequestToJoin(r.Context())
		if err != nil {
			writeError(w, r, err)
			return
		}

		writeJSON(w, http.StatusCreated, p)
	})
}

func StreamPublishHandler(clients *Clients) http.HandlerFunc {
	return viewerHandler(clients, func(w http.ResponseWriter, r *http.Request, v *broadcast.Viewer) {
		if err := v.Publish(r.Context()); err != nil {
			writeError(w, r, err)
			return
		}

		writeJSON(w, http.StatusOK, v.State())
	})
}

func StreamAcceptHandler(clients *Clients) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		client, err := clientFromRequest(clients, r)
		if err != nil {
			writeError(w, r, err)
			return
		}

		p, err := client.AcceptInvite(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, r, err)
			return
		}

		writeJSON(w, http.StatusOK, p)
	}
}

func CommentListHandler(chat *broadcast.Chat) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := defaultCommentsLimit
		if param := r.URL.Query().Get("limit"); param != "" {
			n, err := strconv.Atoi(param)
			if err != nil || n <= 0 {
				writeError(w, r, errBadRequest)
				return
			}
			limit = n
		}

		comments, err := chat.Comments(r.Context(), chi.URLParam(r, "id"), limit)
		if err != nil {
			writeError(w, r, err)
			return
		}

		writeJSON(w, http.StatusOK, comments)
	}
}

func CommentCreateHandler(chat *broadcast.Chat) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, err := userIDFromRequest(r)
		if err != nil {
			writeError(w, r, err)
			return
		}
		req := &CommentRequest{}
		if err := decode(r, req); err != nil {
			writeError(w, r, err)
			return
		}

		comment, err := chat.SendComment(r.Context(), chi.URLParam(r, "id"), userID, req.Body)
		if err != nil {
			writeError(w, r, err)
			return
		}

		writeJSON(w, http.StatusCreated, comment)
	}
}

func ReactionCreateHandler(chat *broadcast.Chat) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, err := userIDFromRequest(r)
		if err != nil {
			writeError(w, r, err)
			return
		}
		req := &ReactionRequest{}
		if err := decode(r, req); err != nil {
			writeError(w, r, err)
			return
		}

		reaction, err := chat.SendReaction(r.Context(), chi.URLParam(r, "id"), userID, req.Emoji)
		if err != nil {
			writeError(w, r, err)
			return
		}

		writeJSON(w, http.StatusCreated, reaction)
	}
}

func commentID(r *http.Request) (int64, error) {
	id, err := strconv.ParseInt(chi.URLParam(r, "commentID"), 10, 64)
	if err != nil {
		return 0, core.ErrCommentNotFound
	}
	return id, nil
}

func CommentPinHandler(mod *broadcast.Moderator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, err := userIDFromRequest(r)
		if err != nil {
			writeError(w, r, err)
			return
		}
		id, err := commentID(r)
		if err != nil {
			writeError(w, r, err)
			return
		}

		stream, err := mod.PinComment(r.Context(), userID, chi.URLParam(r, "id"), id)
		if err != nil {
			writeError(w, r, err)
			return
		}

		writeJSON(w, http.StatusOK, stream)
	}
}

func CommentUnpinHandler(mod *broadcast.Moderator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, err := userIDFromRequest(r)
		if err != nil {
			writeError(w, r, err)
			return
		}

		stream, err := mod.UnpinComment(r.Context(), userID, chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, r, err)
			return
		}

		writeJSON(w, http.StatusOK, stream)
	}
}

func CommentDeleteHandler(mod *broadcast.Moderator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, err := userIDFromRequest(r)
		if err != nil {
			writeError(w, r, err)
			return
		}
		id, err := commentID(r)
		if err != nil {
			writeError(w, r, err)
			return
		}

		if err := mod.DeleteComment(r.Context(), userID, chi.URLParam(r, "id"), id); err != nil {
			writeError(w, r, err)
			return
		}

		w.WriteHeader(http.StatusNoContent)
	}
}

// ParticipantMuteHandler mutes the {userID} of the route for the given seconds.
func ParticipantMuteHandler(mod *broadcast.Moderator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, err := userIDFromRequest(r)
		if err != nil {
			writeError(w, r, err)
			return
		}
		req := &DurationRequest{}
		if err := decode(r, req); err != nil {
			writeError(w, r, err)
			return
		}
		if req.Seconds <= 0 {
			writeError(w, r, errBadRequest)
			return
		}

		d := time.Duration(req.Seconds) * time.Second
		if err := mod.MuteParticipant(r.Context(), userID, chi.URLParam(r, "id"), chi.URLParam(r, "userID"), d); err != nil {
			writeError(w, r, err)
			return
		}

		w.WriteHeader(http.StatusNoContent)
	}
}

func ParticipantBlockHandler(mod *broadcast.Moderator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, err := userIDFromRequest(r)
		if err != nil {
			writeError(w, r, err)
			return
		}

		if err := mod.BlockParticipant(r.Context(), userID, chi.URLParam(r, "id"), chi.URLParam(r, "userID")); err != nil {
			writeError(w, r, err)
			return
		}

		w.WriteHeader(http.StatusNoContent)
	}
}

func ParticipantKickHandler(mod *broadcast.Moderator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, err := userIDFromRequest(r)
		if err != nil {
			writeError(w, r, err)
			return
		}

		if err := mod.KickParticipant(r.Context(), userID, chi.URLParam(r, "id"), chi.URLParam(r, "userID")); err != nil {
			writeError(w, r, err)
			return
		}

		w.WriteHeader(http.StatusNoContent)
	}
}

func SlowModeHandler(mod *broadcast.Moderator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, err := userIDFromRequest(r)
		if err != nil {
			writeError(w, r, err)
			return
		}
		req := &DurationRequest{}
		if err := decode(r, req); err != nil {
			writeError(w, r, err)
			return
		}
		if req.Seconds < 0 {
			writeError(w, r, errBadRequest)
			return
		}

		stream, err := mod.SetSlowMode(r.Context(), userID, chi.URLParam(r, "id"), req.Seconds)
		if err != nil {
			writeError(w, r, err)
			return
		}

		writeJSON(w, http.StatusOK, stream)
	}
}
