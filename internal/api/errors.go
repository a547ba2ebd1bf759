package api

import (
	"context"
	"errors"

	"github.com/campusline/chatsync/internal/chat"
	"github.com/campusline/chatsync/internal/rest"
	syncengine "github.com/campusline/chatsync/internal/sync"
	"github.com/campusline/chatsync/internal/upload"
	"google.golang.org/grpc/codes"
	grpcstatus "google.golang.org/grpc/status"
)

// toStatus maps a facade error to a gRPC status. Display errors keep their user-facing
// text as the status message.
func toStatus(err error) error {
	if err == nil {
		return nil
	}
	msg := err.Error()
	var de *chat.DisplayError
	if errors.As(err, &de) {
		msg = de.Message
	}
	return grpcstatus.Error(codeOf(err), msg)
}

func codeOf(err error) codes.Code {
	var apiErr *rest.APIError
	var sendErr *syncengine.SendError
	switch {
	case errors.Is(err, context.Canceled):
		return codes.Canceled
	case errors.Is(err, context.DeadlineExceeded):
		return codes.DeadlineExceeded
	case errors.Is(err, chat.ErrNotLoggedIn):
		return codes.Unauthenticated
	case errors.Is(err, upload.ErrDisabled):
		return codes.FailedPrecondition
	case errors.As(err, &sendErr):
		return codes.Unavailable
	case errors.As(err, &apiErr):
		switch {
		case apiErr.Status == 401:
			return codes.Unauthenticated
		case apiErr.Status == 403:
			return codes.PermissionDenied
		case apiErr.Status == 404:
			return codes.NotFound
		case apiErr.Status >= 500:
			return codes.Unavailable
		default:
			return codes.InvalidArgument
		}
	}
	var de *chat.DisplayError
	if errors.As(err, &de) && de.Err == nil {
		// Rejected before any I/O, such as an empty message.
		return codes.InvalidArgument
	}
	return codes.Internal
}

func required(field, value string) error {
	if value == "" {
		return grpcstatus.Errorf(codes.InvalidArgument, "%s is required", field)
	}
	return nil
}
