// Package protocol groups the chat-style wire codecs behind one interface so
// the gateway can pick a codec by endpoint.
package protocol

import (
	"net/http"

	"github.com/aistats/gateway/internal/domain"
	"github.com/aistats/gateway/internal/ir"
	"github.com/aistats/gateway/internal/protocol/chat"
	"github.com/aistats/gateway/internal/protocol/messages"
	"github.com/aistats/gateway/internal/protocol/responses"
	"github.com/aistats/gateway/internal/protocol/wire"
)

// Codec translates one chat-style wire protocol to and from the IR.
type Codec interface {
	Name() string
	DecodeRequest(body []byte) (*ir.ChatRequest, error)
	EncodeRequest(req *ir.ChatRequest) ([]byte, error)
	DecodeResponse(body []byte) (*ir.ChatResponse, error)
	EncodeResponse(resp *ir.ChatResponse) ([]byte, error)
	// StreamEvents synthesizes an event stream from a complete response.
	StreamEvents(resp *ir.ChatResponse) ([]wire.Event, error)
	// EncodeError renders an error body in the protocol's own shape.
	EncodeError(status int, message string) []byte
}

type funcCodec struct {
	name           string
	decodeRequest  func([]byte) (*ir.ChatRequest, error)
	encodeRequest  func(*ir.ChatRequest) ([]byte, error)
	decodeResponse func([]byte) (*ir.ChatResponse, error)
	encodeResponse func(*ir.ChatResponse) ([]byte, error)
	streamEvents   func(*ir.ChatResponse) ([]wire.Event, error)
	encodeError    func(status int, message string) []byte
}

func (c funcCodec) Name() string { return c.name }

func (c funcCodec) DecodeRequest(b []byte) (*ir.ChatRequest, error) { return c.decodeRequest(b) }

func (c funcCodec) EncodeRequest(r *ir.ChatRequest) ([]byte, error) { return c.encodeRequest(r) }

func (c funcCodec) DecodeResponse(b []byte) (*ir.ChatResponse, error) { return c.decodeResponse(b) }

func (c funcCodec) EncodeResponse(r *ir.ChatResponse) ([]byte, error) { return c.encodeResponse(r) }

func (c funcCodec) StreamEvents(r *ir.ChatResponse) ([]wire.Event, error) { return c.streamEvents(r) }

func (c funcCodec) EncodeError(status int, message string) []byte {
	return c.encodeError(status, message)
}

var (
	Chat Codec = funcCodec{
		name:           chat.Protocol,
		decodeRequest:  chat.DecodeRequest,
		encodeRequest:  chat.EncodeRequest,
		decodeResponse: chat.DecodeResponse,
		encodeResponse: chat.EncodeResponse,
		streamEvents:   chat.StreamEvents,
		encodeError:    OpenAIError,
	}

	Responses Codec = funcCodec{
		name:           responses.Protocol,
		decodeRequest:  responses.DecodeRequest,
		encodeRequest:  responses.EncodeRequest,
		decodeResponse: responses.DecodeResponse,
		encodeResponse: responses.EncodeResponse,
		streamEvents:   responses.StreamEvents,
		encodeError:    OpenAIError,
	}

	Messages Codec = funcCodec{
		name:           messages.Protocol,
		decodeRequest:  messages.DecodeRequest,
		encodeRequest:  messages.EncodeRequest,
		decodeResponse: messages.DecodeResponse,
		encodeResponse: messages.EncodeResponse,
		streamEvents:   messages.StreamEvents,
		encodeError:    AnthropicError,
	}
)

// ForEndpoint returns the codec that serves a text endpoint.
func ForEndpoint(e domain.Endpoint) (Codec, bool) {
	switch e {
	case domain.EndpointChatCompletions:
		return Chat, true
	case domain.EndpointResponses:
		return Responses, true
	case domain.EndpointMessages:
		return Messages, true
	}
	return nil, false
}

// ByName returns a codec by its protocol name.
func ByName(name string) (Codec, bool) {
	switch name {
	case chat.Protocol:
		return Chat, true
	case responses.Protocol:
		return Responses, true
	case messages.Protocol:
		return Messages, true
	}
	return nil, false
}

// OpenAIError renders {"error":{message,type,code}}.
func OpenAIError(status int, message string) []byte {
	var errType, code string
	switch {
	case status == http.StatusUnauthorized:
		errType, code = "authentication_error", "invalid_api_key"
	case status == http.StatusForbidden:
		errType, code = "permission_error", "forbidden"
	case status == http.StatusNotFound:
		errType, code = "invalid_request_error", "not_found"
	case status == http.StatusTooManyRequests:
		errType, code = "rate_limit_error", "rate_limit_exceeded"
	case status == http.StatusServiceUnavailable:
		errType, code = "service_unavailable", "no_provider_available"
	case status == http.StatusGatewayTimeout:
		errType, code = "timeout_error", "upstream_timeout"
	case status >= 500:
		errType, code = "api_error", "upstream_error"
	default:
		errType, code = "invalid_request_error", "invalid_request"
	}
	return chat.EncodeError(errType, code, message)
}

// AnthropicError renders {"type":"error","error":{type,message}}.
func AnthropicError(status int, message string) []byte {
	var errType string
	switch {
	case status == http.StatusUnauthorized:
		errType = "authentication_error"
	case status == http.StatusForbidden:
		errType = "permission_error"
	case status == http.StatusNotFound:
		errType = "not_found_error"
	case status == http.StatusTooManyRequests:
		errType = "rate_limit_error"
	case status == http.StatusServiceUnavailable:
		errType = "overloaded_error"
	case status == http.StatusGatewayTimeout:
		errType = "timeout_error"
	case status >= 500:
		errType = "api_error"
	default:
		errType = "invalid_request_error"
	}
	return messages.EncodeError(errType, message)
}
