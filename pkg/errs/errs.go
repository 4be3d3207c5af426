package errs

import (
	"fmt"

	"github.com/iancoleman/strcase"
)

// Kind classifies a terminal failure attached to a message or a job.
type Kind string

const (
	KindNodeOffline   Kind = "node_offline"
	KindTimeout       Kind = "timeout"
	KindConfiguration Kind = "configuration_error"
	KindProvider      Kind = "provider_error"
	// KindCanisterCall covers failed calls to the remote persistence canister.
	// The node is not blacklisted for these, since it was not necessarily at fault.
	KindCanisterCall Kind = "canister_call_error"
	KindInvalidState Kind = "invalid_state"
	KindUnknown      Kind = "unknown"
)

// ProviderKind is the sub-classification for provider_error statuses,
// mirroring what inference nodes report on their error frames.
type ProviderKind string

const (
	ProviderRateLimited           ProviderKind = "rate_limited"
	ProviderAuthentication        ProviderKind = "authentication"
	ProviderServerError           ProviderKind = "server_error"
	ProviderServiceUnavailable    ProviderKind = "service_unavailable"
	ProviderBadRequest            ProviderKind = "bad_request"
	ProviderContextLengthExceeded ProviderKind = "context_length_exceeded"
	ProviderContentPolicy         ProviderKind = "content_policy"
	ProviderNetworkError          ProviderKind = "network_error"
	ProviderTimeout               ProviderKind = "provider_timeout"
	ProviderInvalidInput          ProviderKind = "invalid_input"
)

// Status is the error state carried by a message once a turn fails.
// It is data, not a Go error: it crosses the wire as JSON and is rendered inline.
type Status struct {
	Kind     Kind           `json:"kind"`
	Provider ProviderKind   `json:"provider,omitempty"`
	Message  string         `json:"message,omitempty"`
	Details  map[string]any `json:"details,omitempty"`
}

func NewStatus(kind Kind, message string) *Status {
	return &Status{Kind: kind, Message: message}
}

func NewProviderStatus(provider ProviderKind, message string) *Status {
	return &Status{Kind: KindProvider, Provider: provider, Message: message}
}

// ClassifyProviderCode maps a raw provider error code (whatever casing the node
// used) onto a known ProviderKind. Unknown codes fall through to server_error.
func ClassifyProviderCode(code string) ProviderKind {
	switch ProviderKind(strcase.ToSnake(code)) {
	case ProviderRateLimited:
		return ProviderRateLimited
	case ProviderAuthentication:
		return ProviderAuthentication
	case ProviderServiceUnavailable:
		return ProviderServiceUnavailable
	case ProviderBadRequest:
		return ProviderBadRequest
	case ProviderContextLengthExceeded:
		return ProviderContextLengthExceeded
	case ProviderContentPolicy:
		return ProviderContentPolicy
	case ProviderNetworkError:
		return ProviderNetworkError
	case ProviderTimeout:
		return ProviderTimeout
	case ProviderInvalidInput:
		return ProviderInvalidInput
	default:
		return ProviderServerError
	}
}

// Human returns the user-facing explanation rendered next to a failed message.
func (s *Status) Human() string {
	if s == nil {
		return ""
	}
	switch s.Kind {
	case KindNodeOffline:
		return "The compute node went offline before finishing this response."
	case KindTimeout:
		return "The request timed out."
	case KindConfiguration:
		return "The node configuration is invalid; check the node's public key."
	case KindCanisterCall:
		return "Saving the conversation failed; the response may be incomplete."
	case KindInvalidState:
		return "The conversation is in an unexpected state."
	case KindProvider:
		switch s.Provider {
		case ProviderRateLimited:
			return "The model provider is rate limiting requests. Try again shortly."
		case ProviderAuthentication:
			return "The node could not authenticate with the model provider."
		case ProviderServiceUnavailable:
			return "The model provider is temporarily unavailable."
		case ProviderBadRequest, ProviderInvalidInput:
			return "The model provider rejected the request."
		case ProviderContextLengthExceeded:
			return "The conversation is too long for this model's context window."
		case ProviderContentPolicy:
			return "The request was blocked by the provider's content policy."
		case ProviderNetworkError:
			return "The node lost its connection to the model provider."
		case ProviderTimeout:
			return "The model provider took too long to respond."
		default:
			return "The model provider reported an error."
		}
	default:
		if s.Message != "" {
			return s.Message
		}
		return "Something went wrong while generating this response."
	}
}

func (s *Status) String() string {
	if s == nil {
		return "<nil>"
	}
	if s.Provider != "" {
		return fmt.Sprintf("%s/%s: %s", s.Kind, s.Provider, s.Message)
	}
	return fmt.Sprintf("%s: %s", s.Kind, s.Message)
}
