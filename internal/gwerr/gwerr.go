// Package gwerr defines the gateway's error taxonomy. Every failure that
// crosses a component boundary is one of these kinds so the transport layer
// can map it to a protocol status without string matching.
package gwerr

import (
	"errors"
	"fmt"
)

type Kind string

const (
	KindConfiguration     Kind = "configuration_error"
	KindProvider          Kind = "provider_error"
	KindModelNotFound     Kind = "model_not_found"
	KindProviderNotFound  Kind = "provider_not_found"
	KindRouter            Kind = "router_error"
	KindExecution         Kind = "execution_error"
	KindAuthentication    Kind = "authentication_error"
	KindAuthorization     Kind = "authorization_error"
	KindRateLimitExceeded Kind = "rate_limit_exceeded"
	KindQuotaExceeded     Kind = "quota_exceeded"
	KindValidation        Kind = "validation_error"
	KindGuardrail         Kind = "guardrail_error"
	KindUsageTracking     Kind = "usage_tracking_error"
)

// Error carries a machine-readable kind alongside the human-readable message.
// Param names the offending request field when one is known.
type Error struct {
	Kind    Kind
	Message string
	Param   string
	Details map[string]any
}

func (e *Error) Error() string {
	return e.Message
}

func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

func (e *Error) WithParam(param string) *Error {
	e.Param = param
	return e
}

func (e *Error) WithDetail(key string, value any) *Error {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

func Configuration(format string, args ...any) *Error {
	return New(KindConfiguration, format, args...)
}

func Provider(format string, args ...any) *Error {
	return New(KindProvider, format, args...)
}

func ModelNotFound(format string, args ...any) *Error {
	return New(KindModelNotFound, format, args...)
}

func ProviderNotFound(format string, args ...any) *Error {
	return New(KindProviderNotFound, format, args...)
}

func Router(format string, args ...any) *Error {
	return New(KindRouter, format, args...)
}

func Execution(format string, args ...any) *Error {
	return New(KindExecution, format, args...)
}

func Authentication(format string, args ...any) *Error {
	return New(KindAuthentication, format, args...)
}

func Authorization(format string, args ...any) *Error {
	return New(KindAuthorization, format, args...)
}

func RateLimitExceeded(format string, args ...any) *Error {
	return New(KindRateLimitExceeded, format, args...)
}

func QuotaExceeded(format string, args ...any) *Error {
	return New(KindQuotaExceeded, format, args...)
}

func Validation(format string, args ...any) *Error {
	return New(KindValidation, format, args...)
}

func Guardrail(format string, args ...any) *Error {
	return New(KindGuardrail, format, args...)
}

func UsageTracking(format string, args ...any) *Error {
	return New(KindUsageTracking, format, args...)
}

// KindOf returns the gateway kind of err, or "" when err is not a gateway
// error anywhere in its chain.
func KindOf(err error) Kind {
	var ge *Error
	if errors.As(err, &ge) {
		return ge.Kind
	}
	return ""
}

func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}
