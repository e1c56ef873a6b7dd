// Package tunnel implements the relay's tunnel core: the session directory,
// the per-session tunnel link with its frame discipline, the request broker
// that pairs public requests with developer responses, and the share token
// service. It is pure infrastructure with no HTTP routing; the server layer
// wires it to the public ingress and the control API.
package tunnel

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
)

// Frame types recognised on a tunnel link. Every text frame is a JSON object
// carrying one of these in its "type" field; anything else is a
// discard-and-log path, never a dispatch.
const (
	TypeRegister   = "register"
	TypeRegistered = "registered"
	TypeRequest    = "request"
	TypeResponse   = "response"
	TypePing       = "ping"
	TypePong       = "pong"
	TypeError      = "error"
)

// RoleDeveloper is the only role accepted in a register frame.
const RoleDeveloper = "developer"

// BodyEncodingBase64 marks an inline request body as base64-encoded.
const BodyEncodingBase64 = "base64"

var (
	// ErrFrameTooLarge is returned when a text frame exceeds the read limit.
	ErrFrameTooLarge = errors.New("tunnel: frame exceeds size limit")
	// ErrUnknownFrameType is returned for a type outside the recognised set.
	ErrUnknownFrameType = errors.New("tunnel: unknown frame type")
	// ErrMalformedFrame is returned for frames that fail to parse or that
	// omit a field their type requires.
	ErrMalformedFrame = errors.New("tunnel: malformed frame")
)

// RequestPayload is the captured public request carried inside a "request"
// frame. Bodies at or below the inline threshold ride in Body as base64;
// larger bodies set BodyLength and follow as a single binary frame.
type RequestPayload struct {
	Method       string            `json:"method"`
	Path         string            `json:"path"`
	URL          string            `json:"url"`
	Query        string            `json:"query,omitempty"`
	Headers      map[string]string `json:"headers,omitempty"`
	Body         string            `json:"body,omitempty"`
	BodyEncoding string            `json:"bodyEncoding,omitempty"`
	BodyLength   int               `json:"bodyLength,omitempty"`
}

// DecodeBody returns the inline body bytes, reversing the declared encoding.
func (p *RequestPayload) DecodeBody() ([]byte, error) {
	if p.Body == "" {
		return nil, nil
	}
	if p.BodyEncoding == BodyEncodingBase64 {
		b, err := base64.StdEncoding.DecodeString(p.Body)
		if err != nil {
			return nil, fmt.Errorf("tunnel: decode inline body: %w", err)
		}
		return b, nil
	}
	return []byte(p.Body), nil
}

// Frame is one text message on a tunnel link. Fields beyond Type are
// populated per type: register carries SessionID and Role; registered echoes
// SessionID and TunnelURL; request carries RequestID and Request; response
// carries RequestID, StatusCode, Headers and BodyLength; error carries
// Message and Code (and RequestID when it concerns a single request).
type Frame struct {
	Type       string            `json:"type"`
	SessionID  string            `json:"sessionId,omitempty"`
	RequestID  uint64            `json:"requestId,omitempty"`
	Role       string            `json:"role,omitempty"`
	TunnelURL  string            `json:"tunnelUrl,omitempty"`
	Request    *RequestPayload   `json:"request,omitempty"`
	StatusCode int               `json:"statusCode,omitempty"`
	Headers    map[string]string `json:"headers,omitempty"`
	BodyLength int               `json:"bodyLength,omitempty"`
	Message    string            `json:"message,omitempty"`
	Code       string            `json:"code,omitempty"`
}

// Encode serialises the frame to its wire form.
func (f *Frame) Encode() ([]byte, error) {
	return json.Marshal(f)
}

// ParseFrame decodes and validates one text frame. limit, when positive,
// bounds the accepted frame size. Unknown types and missing required fields
// are rejected with typed errors so the link can count protocol violations
// without inspecting message text.
func ParseFrame(data []byte, limit int) (*Frame, error) {
	if limit > 0 && len(data) > limit {
		return nil, ErrFrameTooLarge
	}

	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}

	switch f.Type {
	case TypeRegister:
		if f.SessionID == "" {
			return nil, fmt.Errorf("%w: register without sessionId", ErrMalformedFrame)
		}
		if f.Role == "" {
			return nil, fmt.Errorf("%w: register without role", ErrMalformedFrame)
		}
	case TypeRequest:
		if f.RequestID == 0 {
			return nil, fmt.Errorf("%w: request without requestId", ErrMalformedFrame)
		}
		if f.Request == nil {
			return nil, fmt.Errorf("%w: request without payload", ErrMalformedFrame)
		}
	case TypeResponse:
		if f.RequestID == 0 {
			return nil, fmt.Errorf("%w: response without requestId", ErrMalformedFrame)
		}
		if f.StatusCode < 100 || f.StatusCode > 599 {
			return nil, fmt.Errorf("%w: response with status %d", ErrMalformedFrame, f.StatusCode)
		}
		if f.BodyLength < 0 {
			return nil, fmt.Errorf("%w: response with negative bodyLength", ErrMalformedFrame)
		}
	case TypeRegistered, TypePing, TypePong, TypeError:
		// No required fields beyond type.
	case "":
		return nil, fmt.Errorf("%w: missing type", ErrMalformedFrame)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownFrameType, f.Type)
	}
	return &f, nil
}
