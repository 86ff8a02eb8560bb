package grpcserver

import (
	"context"
	"errors"
	"net/http"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/and161185/mdmkeeper/internal/errs"
)

// toStatus maps service errors to gRPC status codes.
func toStatus(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}
	var he *errs.HTTPError
	switch {
	case errors.Is(err, errs.ErrInvalidArgument):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, errs.ErrUnauthorized):
		return status.Errorf(codes.FailedPrecondition, "login required: %v", err)
	case errors.Is(err, errs.ErrFlowInitFailed), errors.Is(err, errs.ErrNetwork):
		return status.Error(codes.Unavailable, err.Error())
	case errors.Is(err, errs.ErrDenied):
		return status.Error(codes.PermissionDenied, err.Error())
	case errors.Is(err, errs.ErrPollTimeout):
		return status.Error(codes.DeadlineExceeded, err.Error())
	case errors.Is(err, errs.ErrBusy):
		return status.Error(codes.Aborted, err.Error())
	case errors.Is(err, errs.ErrNotFound):
		return status.Error(codes.NotFound, err.Error())
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())
	case errors.As(err, &he):
		switch he.Status {
		case http.StatusUnauthorized, http.StatusForbidden:
			return status.Error(codes.PermissionDenied, err.Error())
		case http.StatusNotFound:
			return status.Error(codes.NotFound, err.Error())
		case http.StatusTooManyRequests:
			return status.Error(codes.ResourceExhausted, err.Error())
		}
		return status.Error(codes.Unknown, err.Error())
	}
	return status.Errorf(codes.Internal, "internal: %v", err)
}
