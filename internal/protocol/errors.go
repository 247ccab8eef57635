package protocol

import (
	"errors"
	"net/http"
)

var (
	ErrNoCapacity             = errors.New("no capacity")
	ErrUnsupportedServiceType = errors.New("unsupported service type")
	ErrHostUnreachable        = errors.New("host unreachable")
	ErrPortExhaustion         = errors.New("port exhaustion")
	ErrRestartBudgetExceeded  = errors.New("restart budget exceeded")
	ErrSessionNotFound        = errors.New("session not found")
	ErrSessionAlreadyOpen     = errors.New("session already open")
	ErrSessionShuttingDown    = errors.New("session shutting down")
	ErrServiceNotFound        = errors.New("service not found")
	ErrHostNotFound           = errors.New("host not registered")
	ErrConfigNotImported      = errors.New("configuration not imported")
	ErrInvalidRequest         = errors.New("invalid request")
)

// Error codes carried in the wire error envelope.
const (
	CodeNoCapacity             = "no_capacity"
	CodeUnsupportedServiceType = "unsupported_service_type"
	CodeHostUnreachable        = "host_unreachable"
	CodePortExhaustion         = "port_exhaustion"
	CodeRestartBudgetExceeded  = "restart_budget_exceeded"
	CodeSessionNotFound        = "session_not_found"
	CodeSessionAlreadyOpen     = "session_already_open"
	CodeSessionShuttingDown    = "session_shutting_down"
	CodeServiceNotFound        = "service_not_found"
	CodeHostNotFound           = "host_not_found"
	CodeConfigNotImported      = "config_not_imported"
	CodeInvalidRequest         = "invalid_request"
	CodeInternal               = "internal"
)

type errorBinding struct {
	err    error
	code   string
	status int
}

var bindings = []errorBinding{
	{ErrNoCapacity, CodeNoCapacity, http.StatusServiceUnavailable},
	{ErrUnsupportedServiceType, CodeUnsupportedServiceType, http.StatusUnprocessableEntity},
	{ErrHostUnreachable, CodeHostUnreachable, http.StatusBadGateway},
	{ErrPortExhaustion, CodePortExhaustion, http.StatusServiceUnavailable},
	{ErrRestartBudgetExceeded, CodeRestartBudgetExceeded, http.StatusConflict},
	{ErrSessionNotFound, CodeSessionNotFound, http.StatusNotFound},
	{ErrSessionAlreadyOpen, CodeSessionAlreadyOpen, http.StatusConflict},
	{ErrSessionShuttingDown, CodeSessionShuttingDown, http.StatusConflict},
	{ErrServiceNotFound, CodeServiceNotFound, http.StatusNotFound},
	{ErrHostNotFound, CodeHostNotFound, http.StatusNotFound},
	{ErrConfigNotImported, CodeConfigNotImported, http.StatusPreconditionFailed},
	{ErrInvalidRequest, CodeInvalidRequest, http.StatusBadRequest},
}

// ErrorBody is the wire error envelope payload.
type ErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ErrorEnvelope wraps ErrorBody on non-2xx responses.
type ErrorEnvelope struct {
	Error ErrorBody `json:"error"`
}

// ErrorCode maps err onto its wire code.
func ErrorCode(err error) string {
	for _, b := range bindings {
		if errors.Is(err, b.err) {
			return b.code
		}
	}
	return CodeInternal
}

// HTTPStatus maps err onto the HTTP status used to carry it.
func HTTPStatus(err error) int {
	for _, b := range bindings {
		if errors.Is(err, b.err) {
			return b.status
		}
	}
	return http.StatusInternalServerError
}

// RemoteError is an error decoded from a peer's error envelope.
type RemoteError struct {
	Code     string
	Message  string
	Status   int
	sentinel error
}

func (e *RemoteError) Error() string {
	return e.Message
}

func (e *RemoteError) Unwrap() error {
	return e.sentinel
}

func decodeRemoteError(status int, body ErrorBody) error {
	out := &RemoteError{Code: body.Code, Message: body.Message, Status: status}
	for _, b := range bindings {
		if b.code == body.Code {
			out.sentinel = b.err
			break
		}
	}
	if out.Message == "" {
		out.Message = http.StatusText(status)
	}
	return out
}
