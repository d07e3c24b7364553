package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/pion/webrtc/v3"
	"github.com/rs/zerolog/log"

	"github.com/isqad/livelook-signal/internal/core"
	"github.com/isqad/livelook-signal/internal/media"
)

type CallRequest struct {
	TargetID string        `json:"target_id"`
	Mode     core.CallMode `json:"mode"`
}

type MediaResponse struct {
	IsMuted    bool `json:"is_muted"`
	IsVideoOff bool `json:"is_video_off"`
}

func clientFromRequest(clients *Clients, r *http.Request) (*Client, error) {
	userID, err := userIDFromRequest(r)
	if err != nil {
		return nil, err
	}
	return clients.Get(userID)
}

func CallCreateHandler(clients *Clients) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		client, err := clientFromRequest(clients, r)
		if err != nil {
			writeError(w, r, err)
			return
		}

		req := &CallRequest{}
		if err := decode(r, req); err != nil {
			writeError(w, r, err)
			return
		}
		if req.Mode == "" {
			req.Mode = core.VideoCall
		}

		session, err := client.Calls().StartCall(r.Context(), req.TargetID, req.Mode)
		if err != nil {
			writeError(w, r, err)
			return
		}

		writeJSON(w, http.StatusCreated, session)
	}
}

func CallAnswerHandler(clients *Clients) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		client, err := clientFromRequest(clients, r)
		if err != nil {
			writeError(w, r, err)
			return
		}

		if err := client.Calls().AnswerCall(r.Context(), chi.URLParam(r, "id")); err != nil {
			writeError(w, r, err)
			return
		}

		writeJSON(w, http.StatusOK, client.Calls().State())
	}
}

func CallDeclineHandler(clients *Clients) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		client, err := clientFromRequest(clients, r)
		if err != nil {
			writeError(w, r, err)
			return
		}

		if err := client.Calls().DeclineCall(r.Context(), chi.URLParam(r, "id")); err != nil {
			writeError(w, r, err)
			return
		}

		w.WriteHeader(http.StatusNoContent)
	}
}

func CallEndHandler(clients *Clients) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		client, err := clientFromRequest(clients, r)
		if err != nil {
			writeError(w, r, err)
			return
		}

		if err := client.Calls().EndCall(r.Context(), core.EndUserEnded); err != nil {
			writeError(w, r, err)
			return
		}

		w.WriteHeader(http.StatusNoContent)
	}
}

// MediaToggleHandler flips the microphone or the camera of whatever the user
// is doing. Toggling without local media changes nothing.
func MediaToggleHandler(clients *Clients, kind webrtc.RTPCodecType) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		client, err := clientFromRequest(clients, r)
		if err != nil {
			writeError(w, r, err)
			return
		}

		target := client.media()
		if kind == webrtc.RTPCodecTypeAudio {
			target.ToggleMute()
		} else {
			target.ToggleVideo()
		}

		writeJSON(w, http.StatusOK, client.mediaFlags())
	}
}

// MediaCameraHandler captures a new camera track and swaps it into the call.
func MediaCameraHandler(clients *Clients, acquirer media.Acquirer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		client, err := clientFromRequest(clients, r)
		if err != nil {
			writeError(w, r, err)
			return
		}

		if client.Calls().State().LocalStream == nil {
			writeJSON(w, http.StatusOK, client.Calls().State())
			return
		}

		stream, err := acquirer.Acquire(r.Context(), core.VideoCall)
		if err != nil {
			writeError(w, r, err)
			return
		}
		video := stream.Track(webrtc.RTPCodecTypeVideo)
		if audio := stream.Track(webrtc.RTPCodecTypeAudio); audio != nil {
			audio.Stop()
		}
		if video == nil {
			writeError(w, r, media.ErrDeviceUnavailable)
			return
		}

		if err := client.Calls().ReplaceVideoTrack(video); err != nil {
			log.Error().Err(err).Str("service", "api").Str("userID", client.UserID).Msg("can't replace the video track")
			video.Stop()
			writeError(w, r, err)
			return
		}

		writeJSON(w, http.StatusOK, client.Calls().State())
	}
}

func StateHandler(clients *Clients) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		client, err := clientFromRequest(clients, r)
		if err != nil {
			writeError(w, r, err)
			return
		}

		writeJSON(w, http.StatusOK, client.State())
	}
}
