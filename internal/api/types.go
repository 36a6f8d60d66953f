// Package api defines the JSON shapes exchanged between the HTTP server and
// its clients.
package api

import (
	"github.com/blackmichael/fantrix-feed/internal/domain"
)

// FeedMessage is the JSON form of a domain.FeedState. It is the body of
// GET /v1/feed and every message on the feed stream.
type FeedMessage struct {
	State string        `json:"state"`
	Posts []domain.Post `json:"posts,omitzero"`
	Error string        `json:"error,omitempty"`
}

// FromState converts a feed state to its wire form.
func FromState(st domain.FeedState) FeedMessage {
	msg := FeedMessage{State: st.Status.String()}
	switch st.Status {
	case domain.StatusReady:
		msg.Posts = st.Posts
		if msg.Posts == nil {
			msg.Posts = []domain.Post{}
		}
	case domain.StatusFailed:
		if st.Err != nil {
			msg.Error = st.Err.Error()
		}
	}
	return msg
}

// CreatePostRequest is the body of POST /v1/posts.
type CreatePostRequest struct {
	Content string `json:"content"`
}

// ProfileRequest is the body of PUT /v1/profile.
type ProfileRequest struct {
	FullName     string `json:"fullName"`
	Email        string `json:"email"`
	ProfileImage string `json:"profileImage"`
}

// ErrorResponse is returned with every non-2xx status.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// Error types used in ErrorResponse.Error.
const (
	ErrInvalidRequest = "InvalidRequest"
	ErrInvalidInput   = "InvalidInput"
	ErrUnauthorized   = "Unauthorized"
	ErrNotFound       = "NotFound"
	ErrUnavailable    = "Unavailable"
	ErrInternal       = "InternalError"
)
