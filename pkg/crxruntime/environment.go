package crxruntime

import (
	"fmt"
	"strings"
)

// Environment is the execution context a Runtime lives in.
type Environment string

// Known environments.
const (
	Background    Environment = "BACKGROUND"
	ContentScript Environment = "CONTENTSCRIPT"
)

// ParseEnvironment accepts an environment name in any case.
func ParseEnvironment(s string) (Environment, error) {
	switch env := Environment(strings.ToUpper(strings.TrimSpace(s))); env {
	case Background, ContentScript:
		return env, nil
	default:
		return "", fmt.Errorf("crxruntime:environment - unknown environment %q", s)
	}
}

// MessageKind discriminates user messages from control queries on the
// onMessage channel.
type MessageKind string

// Message kinds.
const (
	KindUser                  MessageKind = "user"
	KindLiveness              MessageKind = "liveness"
	KindErrorQuery            MessageKind = "error-query"
	KindErrorQueryTimestamped MessageKind = "error-query-ts"
)

// ParseMessageKind maps a header value to a kind. An empty value is a user message.
func ParseMessageKind(s string) (MessageKind, error) {
	switch k := MessageKind(s); k {
	case "":
		return KindUser, nil
	case KindUser, KindLiveness, KindErrorQuery, KindErrorQueryTimestamped:
		return k, nil
	default:
		return "", fmt.Errorf("crxruntime:environment - unknown message kind %q", s)
	}
}

// IsControl reports whether k addresses the control protocol.
func (k MessageKind) IsControl() bool {
	return k == KindLiveness || k == KindErrorQuery || k == KindErrorQueryTimestamped
}
