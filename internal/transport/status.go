package transport

import (
	"context"
	"errors"
	"fmt"

	"google.golang.org/genproto/googleapis/rpc/errdetails"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/zde37/kadvault/pkg"
)

const errorDomain = "kadvault"

// statusMapping ties a sentinel to the code and reason it travels as.
type statusMapping struct {
	err    error
	code   codes.Code
	reason string
}

// Order matters: the first match wins.
var statusMappings = []statusMapping{
	{pkg.ErrNotFound, codes.NotFound, "NOT_FOUND"},
	{pkg.ErrValidationFailed, codes.InvalidArgument, "VALIDATION_FAILED"},
	{pkg.ErrUnderPriced, codes.FailedPrecondition, "UNDER_PRICED"},
	{pkg.ErrCapacityExceeded, codes.ResourceExhausted, "CAPACITY_EXCEEDED"},
	{pkg.ErrRateLimited, codes.ResourceExhausted, "RATE_LIMITED"},
	{pkg.ErrPeerShunned, codes.PermissionDenied, "PEER_SHUNNED"},
	{pkg.ErrStoreClosed, codes.Unavailable, "STORE_CLOSED"},
}

// toStatus converts a handler error into a gRPC status error carrying an
// ErrorInfo detail the client maps back to the same sentinel.
func toStatus(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}

	code, reason := codes.Internal, ""
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		code = codes.DeadlineExceeded
	case errors.Is(err, context.Canceled), errors.Is(err, pkg.ErrContextCanceled):
		code = codes.Canceled
	default:
		for _, m := range statusMappings {
			if errors.Is(err, m.err) {
				code, reason = m.code, m.reason
				break
			}
		}
	}

	st := status.New(code, err.Error())
	if reason == "" {
		return st.Err()
	}

	info := &errdetails.ErrorInfo{Reason: reason, Domain: errorDomain}
	var ve *pkg.ValidationError
	if errors.As(err, &ve) {
		info.Metadata = map[string]string{"reason": ve.Reason}
	}
	if detailed, derr := st.WithDetails(info); derr == nil {
		st = detailed
	}
	return st.Err()
}

// fromStatus converts a status error from a peer back into the sentinel the
// rest of the node checks with errors.Is.
func fromStatus(err error) error {
	if err == nil {
		return nil
	}
	st, ok := status.FromError(err)
	if !ok {
		return err
	}

	for _, d := range st.Details() {
		info, ok := d.(*errdetails.ErrorInfo)
		if !ok || info.GetDomain() != errorDomain {
			continue
		}
		for _, m := range statusMappings {
			if m.reason != info.GetReason() {
				continue
			}
			if m.err == pkg.ErrValidationFailed {
				return &pkg.ValidationError{Reason: info.GetMetadata()["reason"]}
			}
			return fmt.Errorf("%w: %s", m.err, st.Message())
		}
	}

	switch st.Code() {
	case codes.DeadlineExceeded:
		return fmt.Errorf("%w: %s", context.DeadlineExceeded, st.Message())
	case codes.Canceled:
		return fmt.Errorf("%w: %s", context.Canceled, st.Message())
	case codes.NotFound:
		return fmt.Errorf("%w: %s", pkg.ErrNotFound, st.Message())
	}
	return err
}
