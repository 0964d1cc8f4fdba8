package route

import (
	"errors"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Error kinds. Wrap them with fmt.Errorf("%w: ...") and test with errors.Is.
var (
	ErrInvalidRoute      = errors.New("invalid route")
	ErrRouteTooComplex   = errors.New("route too complex")
	ErrScoring           = errors.New("scoring error")
	ErrInvalidPreference = errors.New("invalid preference")
	ErrProvider          = errors.New("provider error")
)

// ErrorCode is the stable machine-readable identifier reported to callers
type ErrorCode string

const (
	CodeInvalidRoute          ErrorCode = "INVALID_ROUTE"
	CodeRouteTooComplex       ErrorCode = "ROUTE_TOO_COMPLEX"
	CodeScoring               ErrorCode = "SCORING_ERROR"
	CodeInvalidPreference     ErrorCode = "INVALID_PREFERENCE"
	CodeProvider              ErrorCode = "PROVIDER_ERROR"
	CodeRouteCalculationError ErrorCode = "ROUTE_CALCULATION_ERROR"
)

// CodeOf classifies an error into its stable code
func CodeOf(err error) ErrorCode {
	switch {
	case errors.Is(err, ErrInvalidRoute):
		return CodeInvalidRoute
	case errors.Is(err, ErrRouteTooComplex):
		return CodeRouteTooComplex
	case errors.Is(err, ErrScoring):
		return CodeScoring
	case errors.Is(err, ErrInvalidPreference):
		return CodeInvalidPreference
	case errors.Is(err, ErrProvider):
		return CodeProvider
	default:
		return CodeRouteCalculationError
	}
}

// GRPCCode maps a stable code onto the gRPC status space
func (c ErrorCode) GRPCCode() codes.Code {
	switch c {
	case CodeInvalidRoute, CodeInvalidPreference:
		return codes.InvalidArgument
	case CodeRouteTooComplex:
		return codes.OutOfRange
	case CodeScoring:
		return codes.FailedPrecondition
	case CodeProvider:
		return codes.Unavailable
	default:
		return codes.Internal
	}
}

// Status converts an error into a gRPC status carrying its code and message
func Status(err error) *status.Status {
	if err == nil {
		return status.New(codes.OK, "")
	}
	return status.New(CodeOf(err).GRPCCode(), err.Error())
}
