package codec

import (
	"reflect"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/drblury/dqueue/internal/runtime/metadata"
)

type greeting struct {
	Text string `json:"text"`
}

func TestEnvelopeRoundTrip(t *testing.T) {
	payload, contentType, err := MarshalPayload(greeting{Text: "hello"})
	require.NoError(t, err)
	assert.Equal(t, ContentTypeJSON, contentType)

	env := &Envelope{
		ID:          "01HZZZZZZZZZZZZZZZZZZZZZZZ",
		Queue:       "Q",
		Type:        TypeName(greeting{}),
		ContentType: contentType,
		Metadata:    metadata.New("k", "v"),
		EnqueuedAt:  time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC),
		Payload:     payload,
	}

	data, err := Encode(env)
	require.NoError(t, err)

	decoded, err := Decode(data)
	require.NoError(t, err)
	assert.Equal(t, env.ID, decoded.ID)
	assert.Equal(t, env.Queue, decoded.Queue)
	assert.Equal(t, env.Metadata, decoded.Metadata)
	assert.True(t, env.EnqueuedAt.Equal(decoded.EnqueuedAt))

	var out greeting
	require.NoError(t, UnmarshalPayload(decoded, &out))
	assert.Equal(t, "hello", out.Text)
}

func TestProtoPayloadUsesProtoJSON(t *testing.T) {
	payload, contentType, err := MarshalPayload(wrapperspb.String("hi"))
	require.NoError(t, err)
	assert.Equal(t, ContentTypeProtoJSON, contentType)
	assert.JSONEq(t, `"hi"`, string(payload))

	out := &wrapperspb.StringValue{}
	require.NoError(t, UnmarshalPayload(&Envelope{Payload: payload}, out))
	assert.Equal(t, "hi", out.GetValue())
}

func TestDecodeErrors(t *testing.T) {
	_, err := Decode(nil)
	assert.ErrorIs(t, err, ErrEmptyEnvelope)

	_, err = Decode([]byte("not json"))
	assert.Error(t, err)

	_, err = Encode(nil)
	assert.ErrorIs(t, err, ErrEmptyEnvelope)
	assert.ErrorIs(t, UnmarshalPayload(nil, &greeting{}), ErrEmptyEnvelope)
}

func TestTypeNames(t *testing.T) {
	assert.Equal(t, "github.com/drblury/dqueue/internal/runtime/codec.greeting", TypeName(&greeting{}))
	assert.Equal(t, "greeting", ShortTypeName(&greeting{}))
	assert.Equal(t, "string", TypeName("x"))
	assert.Equal(t, "", TypeName(nil))
	assert.Equal(t, "", ShortTypeName(nil))
	assert.Equal(t, "[]int", QualifiedName(reflect.TypeOf([]int{})))
}
