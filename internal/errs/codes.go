package errs

import (
	"errors"
	"strings"
)

// Code is a machine-readable, underscore-joined failure reason.
// It is the only failure detail that ever reaches a browser redirect.
type Code string

// Federation codes.
const (
	InstanceRequired            Code = "instance_required"
	InvalidInstance             Code = "invalid_instance"
	NotANeoDBInstance           Code = "not_a_neodb_instance"
	AppRegistrationFailed       Code = "app_registration_failed"
	InvalidAppResponse          Code = "invalid_app_response"
	StateNotFound               Code = "state_not_found"
	ClientNotFound              Code = "client_not_found"
	OAuthCodeMissing            Code = "oauth_code_missing"
	OAuthCodeVerificationFailed Code = "oauth_code_verification_failed"
	AccessTokenMissing          Code = "access_token_missing"
	UserInfoFailed              Code = "user_info_failed"
	EmailNotFound               Code = "email_not_found"
	LinkingFailed               Code = "linking_failed"
	RateLimited                 Code = "rate_limited"
	DatabaseUnavailable         Code = "database_unavailable"
)

// Token and harvest codes.
const (
	ReauthRequired   Code = "reauth_required"
	Unauthorized     Code = "unauthorized"
	TaskNotFound     Code = "task_not_found"
	TaskFailed       Code = "task_failed"
	TaskNotCompleted Code = "task_not_completed"
	RemoteAPIError   Code = "remote_api_error"
	Conflict         Code = "conflict"
	InvalidRequest   Code = "invalid_request"
	PayloadTooLarge  Code = "payload_too_large"
	Internal         Code = "internal_error"
)

// CodedError attaches a Code to an underlying cause.
type CodedError struct {
	Code Code
	Err  error
}

func (e *CodedError) Error() string {
	if e.Err == nil {
		return string(e.Code)
	}
	return string(e.Code) + ": " + e.Err.Error()
}

func (e *CodedError) Unwrap() error { return e.Err }

// E wraps err with code. A nil err yields an error carrying only the code.
func E(code Code, err error) error {
	return &CodedError{Code: code, Err: err}
}

// CodeOf returns the outermost Code attached to err, or fallback.
func CodeOf(err error, fallback Code) Code {
	var ce *CodedError
	if errors.As(err, &ce) {
		return ce.Code
	}
	return fallback
}

// Is reports whether err carries code.
func Is(err error, code Code) bool {
	var ce *CodedError
	return errors.As(err, &ce) && ce.Code == code
}

// FromMessage turns a free-form collaborator message into a code
// by lower-casing it and joining words with underscores.
func FromMessage(msg string) Code {
	msg = strings.TrimSpace(strings.ToLower(msg))
	if msg == "" {
		return LinkingFailed
	}
	return Code(strings.Join(strings.Fields(msg), "_"))
}
