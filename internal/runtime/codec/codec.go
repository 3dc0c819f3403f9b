// Package codec turns payloads into the envelope bytes stored by providers.
package codec

import (
	"errors"
	"fmt"
	"reflect"
	"time"

	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"

	"github.com/drblury/dqueue/internal/runtime/jsoncodec"
	"github.com/drblury/dqueue/internal/runtime/metadata"
)

// Content types recorded on envelopes.
const (
	ContentTypeJSON      = "application/json"
	ContentTypeProtoJSON = "application/protobuf+json"
)

// ErrEmptyEnvelope is returned when decoding zero bytes.
var ErrEmptyEnvelope = errors.New("dqueue: empty envelope")

// Envelope is the unit stored in a queue. It is immutable once enqueued.
type Envelope struct {
	ID          string            `json:"id"`
	Queue       string            `json:"queue"`
	Type        string            `json:"type"`
	ContentType string            `json:"content_type"`
	Metadata    metadata.Metadata `json:"metadata,omitempty"`
	EnqueuedAt  time.Time         `json:"enqueued_at"`
	Payload     []byte            `json:"payload"`
}

var protoMarshal = protojson.MarshalOptions{}
var protoUnmarshal = protojson.UnmarshalOptions{DiscardUnknown: true}

// Encode serializes the envelope.
func Encode(env *Envelope) ([]byte, error) {
	if env == nil {
		return nil, ErrEmptyEnvelope
	}
	data, err := jsoncodec.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("dqueue: encode envelope: %w", err)
	}
	return data, nil
}

// Decode parses envelope bytes produced by Encode.
func Decode(data []byte) (*Envelope, error) {
	if len(data) == 0 {
		return nil, ErrEmptyEnvelope
	}
	env := &Envelope{}
	if err := jsoncodec.Unmarshal(data, env); err != nil {
		return nil, fmt.Errorf("dqueue: decode envelope: %w", err)
	}
	return env, nil
}

// MarshalPayload serializes v and reports the content type used. Proto
// messages use protojson, everything else plain JSON.
func MarshalPayload(v any) ([]byte, string, error) {
	if msg, ok := v.(proto.Message); ok {
		data, err := protoMarshal.Marshal(msg)
		if err != nil {
			return nil, "", fmt.Errorf("dqueue: marshal proto payload: %w", err)
		}
		return data, ContentTypeProtoJSON, nil
	}
	data, err := jsoncodec.Marshal(v)
	if err != nil {
		return nil, "", fmt.Errorf("dqueue: marshal payload: %w", err)
	}
	return data, ContentTypeJSON, nil
}

// UnmarshalPayload decodes the envelope payload into target.
func UnmarshalPayload(env *Envelope, target any) error {
	if env == nil {
		return ErrEmptyEnvelope
	}
	if msg, ok := target.(proto.Message); ok {
		if err := protoUnmarshal.Unmarshal(env.Payload, msg); err != nil {
			return fmt.Errorf("dqueue: unmarshal proto payload: %w", err)
		}
		return nil
	}
	if err := jsoncodec.Unmarshal(env.Payload, target); err != nil {
		return fmt.Errorf("dqueue: unmarshal payload: %w", err)
	}
	return nil
}

// TypeName returns the package-qualified Go type name of v with pointers
// removed, e.g. "github.com/acme/orders.Created".
func TypeName(v any) string {
	return QualifiedName(reflect.TypeOf(v))
}

// ShortTypeName returns the bare type name of v with pointers removed.
func ShortTypeName(v any) string {
	t := reflect.TypeOf(v)
	for t != nil && t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if t == nil {
		return ""
	}
	return t.Name()
}

// QualifiedName is TypeName for a reflect.Type.
func QualifiedName(t reflect.Type) string {
	for t != nil && t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if t == nil {
		return ""
	}
	if t.PkgPath() == "" {
		return t.String()
	}
	return t.PkgPath() + "." + t.Name()
}
