package domain

import (
	"errors"
	"fmt"
	"strings"
)

type ErrKind string

const (
	KindStorageUnavailable ErrKind = "storage_unavailable"
	KindBrokerUnavailable  ErrKind = "broker_unavailable"
	KindUnroutable         ErrKind = "unroutable"
	KindProtocol           ErrKind = "protocol"
	KindCircuitOpen        ErrKind = "circuit_open"
	KindConfiguration      ErrKind = "configuration"
)

// RelayError classifies a failure on the relay path. Kind drives retry
// decisions; Code is the machine-readable reason recorded on the outbox row.
type RelayError struct {
	Kind    ErrKind
	Code    string
	Message string
	Err     error
}

func (e *RelayError) Error() string {
	msg := e.Message
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	if e.Code != "" {
		return fmt.Sprintf("%s (%s): %s", e.Kind, e.Code, msg)
	}
	return fmt.Sprintf("%s: %s", e.Kind, msg)
}

func (e *RelayError) Unwrap() error { return e.Err }

func ErrStorageUnavailable(msg string, cause error) error {
	return &RelayError{Kind: KindStorageUnavailable, Code: "storage_unavailable", Message: msg, Err: cause}
}

func ErrBrokerUnavailable(code, msg string, cause error) error {
	return &RelayError{Kind: KindBrokerUnavailable, Code: code, Message: msg, Err: cause}
}

func ErrUnroutable(code, msg string) error {
	return &RelayError{Kind: KindUnroutable, Code: code, Message: msg}
}

func ErrProtocol(code, msg string, cause error) error {
	return &RelayError{Kind: KindProtocol, Code: code, Message: msg, Err: cause}
}

func ErrCircuitOpen(component string) error {
	return &RelayError{Kind: KindCircuitOpen, Code: "circuit_open", Message: "circuit breaker open for " + component}
}

func ErrConfiguration(msg string) error {
	return &RelayError{Kind: KindConfiguration, Code: "configuration", Message: msg}
}

// KindOf returns the classified kind, or "" for unclassified errors.
func KindOf(err error) ErrKind {
	var re *RelayError
	if errors.As(err, &re) {
		return re.Kind
	}
	return ""
}

// CodeOf returns the machine code for settle bookkeeping.
func CodeOf(err error) string {
	var re *RelayError
	if errors.As(err, &re) && re.Code != "" {
		return re.Code
	}
	return "unknown"
}

func IsKind(err error, k ErrKind) bool { return KindOf(err) == k }

// transportHints is the fallback match for errors that escaped
// classification; anything attributable to the network path is retriable.
var transportHints = []string{
	"connection",
	"timeout",
	"network",
	"broken pipe",
	"eof",
	"closed",
}

// Retriable reports whether a publish failure is worth retrying within the
// same cycle. Kind wins; the substring scan is best-effort for raw driver
// errors only.
func Retriable(err error) bool {
	if err == nil {
		return false
	}
	switch KindOf(err) {
	case KindBrokerUnavailable:
		return true
	case KindUnroutable, KindProtocol, KindCircuitOpen, KindStorageUnavailable, KindConfiguration:
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, hint := range transportHints {
		if strings.Contains(msg, hint) {
			return true
		}
	}
	return false
}
