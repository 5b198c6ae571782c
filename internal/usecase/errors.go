package usecase

import (
	"fmt"
	"net/http"
	"time"
)

type ErrorCode string

const (
	ErrorInvalidInput         ErrorCode = "INVALID_INPUT"
	ErrorPayloadTooLarge      ErrorCode = "PAYLOAD_TOO_LARGE"
	ErrorOffTopic             ErrorCode = "OFF_TOPIC"
	ErrorBudgetExceeded       ErrorCode = "BUDGET_EXCEEDED"
	ErrorRateLimited          ErrorCode = "RATE_LIMITED"
	ErrorCircuitOpen          ErrorCode = "CIRCUIT_OPEN"
	ErrorUpstreamTimeout      ErrorCode = "UPSTREAM_TIMEOUT"
	ErrorUpstream             ErrorCode = "UPSTREAM_ERROR"
	ErrorUpstreamUnconfigured ErrorCode = "UPSTREAM_UNCONFIGURED"
	ErrorCancelled            ErrorCode = "CANCELLED"
	ErrorInternal             ErrorCode = "INTERNAL"
)

// StatusClientClosedRequest is the non-standard status used for requests the
// client abandoned.
const StatusClientClosedRequest = 499

// HTTPStatus maps the code to its response status.
func (c ErrorCode) HTTPStatus() int {
	switch c {
	case ErrorInvalidInput, ErrorOffTopic:
		return http.StatusBadRequest
	case ErrorPayloadTooLarge:
		return http.StatusRequestEntityTooLarge
	case ErrorBudgetExceeded, ErrorRateLimited, ErrorCircuitOpen:
		return http.StatusTooManyRequests
	case ErrorUpstreamUnconfigured:
		return http.StatusServiceUnavailable
	case ErrorCancelled:
		return StatusClientClosedRequest
	default:
		return http.StatusInternalServerError
	}
}

// Message is the user-facing text for the code. Upstream details never reach it.
func (c ErrorCode) Message() string {
	switch c {
	case ErrorInvalidInput:
		return "Não entendi a pergunta. Pode reformular?"
	case ErrorPayloadTooLarge:
		return "A mensagem é grande demais."
	case ErrorOffTopic:
		return "Só consigo responder sobre o DVAi$ e seus recursos."
	case ErrorBudgetExceeded:
		return "Você atingiu o limite de perguntas por agora. Tente novamente mais tarde."
	case ErrorRateLimited:
		return "Muitas perguntas em pouco tempo. Aguarde um instante."
	case ErrorCircuitOpen:
		return "O assistente está temporariamente indisponível. Tente novamente em breve."
	case ErrorUpstreamUnconfigured:
		return "O assistente não está disponível no momento."
	case ErrorCancelled:
		return "Requisição cancelada."
	default:
		return "Não foi possível responder agora. Tente novamente."
	}
}

type Error struct {
	Code       ErrorCode
	Reason     string
	Err        error
	RetryAfter time.Duration
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Err == nil {
		return fmt.Sprintf("usecase: %s (%s)", e.Code, e.Reason)
	}
	return fmt.Sprintf("usecase: %s (%s): %v", e.Code, e.Reason, e.Err)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

func newError(code ErrorCode, reason string, err error) *Error {
	return &Error{Code: code, Reason: reason, Err: err}
}

func retryError(code ErrorCode, reason string, after time.Duration) *Error {
	return &Error{Code: code, Reason: reason, RetryAfter: after}
}
