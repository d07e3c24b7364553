package core

import "errors"

var (
	ErrNotFound        = errors.New("not found")
	ErrAlreadyInCall   = errors.New("already in a call")
	ErrPeerBusy        = errors.New("the other party is already in a call")
	ErrSessionTerminal = errors.New("session is already finished")
	ErrCallYourself    = errors.New("can't call yourself")

	ErrNotHost         = errors.New("only the host can do this")
	ErrStreamNotLive   = errors.New("stream is not live")
	ErrStreamFull      = errors.New("no free slots left on the stream")
	ErrBlocked         = errors.New("user is blocked on this stream")
	ErrMuted           = errors.New("user is muted on this stream")
	ErrSlowMode        = errors.New("slow mode: wait before sending another comment")
	ErrRateLimited     = errors.New("too many reactions")
	ErrInviteExpired   = errors.New("invite has expired")
	ErrRequestExpired  = errors.New("join request has expired")
	ErrNoInvite        = errors.New("no pending invite")
	ErrNoRequest       = errors.New("no pending join request")
	ErrCommentNotFound = errors.New("comment not found")
)
