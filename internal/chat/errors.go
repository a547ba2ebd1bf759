package chat

import (
	"context"
	"errors"

	"github.com/campusline/chatsync/internal/rest"
	syncengine "github.com/campusline/chatsync/internal/sync"
	"github.com/campusline/chatsync/internal/upload"
)

// DisplayError carries a message fit to show the user next to its cause.
type DisplayError struct {
	Message string
	Err     error
}

func (e *DisplayError) Error() string {
	if e.Err == nil {
		return e.Message
	}
	return e.Message + ": " + e.Err.Error()
}

func (e *DisplayError) Unwrap() error { return e.Err }

// ErrNotLoggedIn is returned by operations that need credentials after Logout.
var ErrNotLoggedIn = &DisplayError{Message: "You are signed out."}

func isCancel(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

// display translates an internal failure. Cancellation passes through untouched so
// callers can stay silent about it.
func display(fallback string, err error) error {
	if err == nil || isCancel(err) {
		return err
	}
	var de *DisplayError
	if errors.As(err, &de) {
		return err
	}
	msg := fallback
	var apiErr *rest.APIError
	var sendErr *syncengine.SendError
	switch {
	case errors.Is(err, upload.ErrDisabled):
		msg = "Image sending is not available."
	case errors.As(err, &sendErr):
		msg = "Message not sent. You can try again."
	case errors.As(err, &apiErr) && apiErr.Status == 401:
		msg = "Your session has expired. Please sign in again."
	case errors.As(err, &apiErr) && apiErr.Status >= 500:
		msg = fallback + " The server is having trouble, try again later."
	}
	return &DisplayError{Message: msg, Err: err}
}
