package wire

import (
	"errors"
	"net/http"
	"strings"

	"google.golang.org/grpc/codes"

	"github.com/poly-workshop/llm-orchestrator/internal/application/orchestrator"
	"github.com/poly-workshop/llm-orchestrator/internal/domain/invocation"
	"github.com/poly-workshop/llm-orchestrator/internal/domain/llm"
	"github.com/poly-workshop/llm-orchestrator/internal/infrastructure/auth"
)

// ErrorBody is the JSON error envelope of every non-2xx response.
type ErrorBody struct {
	Error        string `json:"error"`
	Reason       string `json:"reason,omitempty"`
	InvocationID string `json:"invocationId,omitempty"`
}

// Classify maps an executor error to an HTTP status and the body the caller
// sees. Unrecognised errors are reported as 500 without detail.
func Classify(err error) (int, ErrorBody) {
	if ae, ok := orchestrator.AsAdmissionError(err); ok {
		return ae.HTTPStatus(), ErrorBody{Error: ae.Message, Reason: string(ae.Reason)}
	}
	var genErr *orchestrator.GenerationError
	if errors.As(err, &genErr) {
		return genErr.HTTPStatus(), ErrorBody{Error: genErr.Message, InvocationID: genErr.InvocationID}
	}
	if gwErr, ok := llm.AsGatewayError(err); ok {
		return gwErr.HTTPStatus(), ErrorBody{Error: gwErr.Message}
	}
	switch {
	case errors.Is(err, llm.ErrInvalidArgument):
		return http.StatusUnprocessableEntity, ErrorBody{Error: invalidMessage(err)}
	case errors.Is(err, orchestrator.ErrUnauthenticated), errors.Is(err, auth.ErrUnauthenticated):
		return http.StatusUnauthorized, ErrorBody{Error: "Unauthenticated"}
	case errors.Is(err, invocation.ErrNotFound):
		return http.StatusNotFound, ErrorBody{Error: "Invocation not found"}
	case errors.Is(err, orchestrator.ErrQueueUnavailable):
		return http.StatusServiceUnavailable, ErrorBody{Error: "Generation queue unavailable"}
	default:
		return http.StatusInternalServerError, ErrorBody{Error: "Internal error"}
	}
}

func invalidMessage(err error) string {
	msg := strings.TrimPrefix(err.Error(), llm.ErrInvalidArgument.Error()+": ")
	if msg == "" {
		return "invalid argument"
	}
	return msg
}

// GRPCCode maps an HTTP status from Classify to a gRPC code.
func GRPCCode(status int) codes.Code {
	switch {
	case status == http.StatusUnauthorized:
		return codes.Unauthenticated
	case status == http.StatusForbidden:
		return codes.PermissionDenied
	case status == http.StatusNotFound:
		return codes.NotFound
	case status == http.StatusUnprocessableEntity, status == http.StatusBadRequest:
		return codes.InvalidArgument
	case status == http.StatusTooManyRequests:
		return codes.ResourceExhausted
	case status == http.StatusServiceUnavailable, status == http.StatusBadGateway, status == http.StatusGatewayTimeout:
		return codes.Unavailable
	case status >= 400 && status < 500:
		return codes.FailedPrecondition
	default:
		return codes.Internal
	}
}
