// Package events defines the wire format of domain events exchanged between
// upstream services and the notification consumer.
package events

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

// Kind identifies the originating domain of an event. The queue an event
// arrives on determines its kind, and the kind becomes the notification type.
type Kind string

const (
	KindTask Kind = "task"
	KindUser Kind = "user"
)

// Payload is the JSON body published to a queue.
type Payload struct {
	UserID  string `json:"userId" validate:"required"`
	Message string `json:"message" validate:"required"`
}

// DomainEvent is a decoded and validated payload tagged with its kind.
type DomainEvent struct {
	Kind          Kind
	SubjectUserID string
	Message       string
	// MessageID is the broker-assigned id, empty if the publisher set none.
	MessageID string
}

var (
	// ErrDecode marks a body that is not a JSON object of the expected shape.
	ErrDecode = errors.New("undecodable event payload")
	// ErrInvalid marks a decoded payload with missing required fields.
	ErrInvalid = errors.New("invalid event payload")
)

// DecodeError wraps a JSON decoding failure.
type DecodeError struct {
	Err error
}

func (e *DecodeError) Error() string { return fmt.Sprintf("decode event: %v", e.Err) }
func (e *DecodeError) Unwrap() error { return e.Err }
func (e *DecodeError) Is(target error) bool {
	return target == ErrDecode
}

// ValidationError lists the payload fields that failed validation.
type ValidationError struct {
	Fields []string
}

func (e *ValidationError) Error() string {
	return "invalid event: missing " + strings.Join(e.Fields, ", ")
}
func (e *ValidationError) Is(target error) bool {
	return target == ErrInvalid
}

var validate = validator.New()

// Decode parses body as a Payload and validates it. Whitespace-only fields
// count as missing.
func Decode(kind Kind, messageID string, body []byte) (DomainEvent, error) {
	var p Payload
	if err := json.Unmarshal(body, &p); err != nil {
		return DomainEvent{}, &DecodeError{Err: err}
	}
	p.UserID = strings.TrimSpace(p.UserID)
	p.Message = strings.TrimSpace(p.Message)

	if err := validate.Struct(p); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			fields := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				fields = append(fields, jsonName(fe.Field()))
			}
			return DomainEvent{}, &ValidationError{Fields: fields}
		}
		return DomainEvent{}, &ValidationError{}
	}

	return DomainEvent{
		Kind:          kind,
		SubjectUserID: p.UserID,
		Message:       p.Message,
		MessageID:     messageID,
	}, nil
}

// Encode marshals a payload for publishing.
func Encode(userID, message string) ([]byte, error) {
	return json.Marshal(Payload{UserID: userID, Message: message})
}

func jsonName(field string) string {
	switch field {
	case "UserID":
		return "userId"
	case "Message":
		return "message"
	default:
		return field
	}
}
