package server

import (
	"context"
	"errors"

	"MarketCore/internal/failure"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// codeFor maps an engine error kind to a gRPC code
func codeFor(kind failure.Kind) codes.Code {
	switch kind {
	case failure.MarketNotFound, failure.CurveNotFound:
		return codes.NotFound
	case failure.InvalidConfig:
		return codes.InvalidArgument
	case failure.AggregateBusy:
		return codes.Unavailable
	case failure.ArithmeticOverflow:
		return codes.OutOfRange
	}

	switch kind.Category() {
	case failure.CategoryValidation:
		return codes.InvalidArgument
	case failure.CategoryState:
		return codes.FailedPrecondition
	default:
		return codes.Internal
	}
}

// toStatus converts an engine error into a gRPC status error. The message
// starts with the kind name so clients can branch on it.
func toStatus(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}
	switch {
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())
	}

	kind := failure.KindOf(err)
	if kind == failure.KindUnknown {
		return status.Error(codes.Internal, err.Error())
	}
	return status.Error(codeFor(kind), err.Error())
}

func invalidArgument(format string, args ...any) error {
	return status.Errorf(codes.InvalidArgument, format, args...)
}
