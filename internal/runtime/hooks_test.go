package runtime

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/dqueue/internal/runtime/codec"
	"github.com/drblury/dqueue/internal/runtime/dispatch"
)

func TestConsumerHooksMergeOrder(t *testing.T) {
	var calls []string
	a := ConsumerHooks{
		OnComplete: func(*dispatch.Context, dispatch.Result) { calls = append(calls, "a.complete") },
		OnTimeout:  func(*dispatch.Context) { calls = append(calls, "a.timeout") },
	}
	b := ConsumerHooks{
		OnComplete: func(*dispatch.Context, dispatch.Result) { calls = append(calls, "b.complete") },
	}

	merged := a.Merge(b)
	merged.OnComplete(nil, dispatch.Result{})
	merged.OnTimeout(nil)

	assert.Equal(t, []string{"a.complete", "b.complete", "a.timeout"}, calls)
}

func TestConsumerHooksMergeNil(t *testing.T) {
	merged := ConsumerHooks{}.Merge(ConsumerHooks{})
	assert.Nil(t, merged.OnComplete)
	assert.Nil(t, merged.OnTimeout)

	only := ConsumerHooks{OnTimeout: func(*dispatch.Context) {}}
	assert.NotNil(t, ConsumerHooks{}.Merge(only).OnTimeout)
	assert.NotNil(t, only.Merge(ConsumerHooks{}).OnTimeout)
}

func TestLoggingHooks(t *testing.T) {
	log := &recordingLogger{}
	hooks := LoggingHooks(log)
	dc := dispatch.New(context.Background(), &codec.Envelope{ID: "01J", Queue: "Q", Type: "example.Type"}, 0, dispatch.Hooks{})
	t.Cleanup(dc.Close)

	hooks.OnComplete(dc, dispatch.Result{Resolution: dispatch.Complete})
	entry, ok := log.find("Message completed")
	require.True(t, ok)
	assert.Equal(t, "debug", entry.level)
	assert.Equal(t, "01J", entry.fields["message_id"])

	boom := errors.New("boom")
	hooks.OnComplete(dc, dispatch.Result{Resolution: dispatch.Complete, Errors: []error{boom}})
	entry, ok = log.find("Message handlers failed")
	require.True(t, ok)
	assert.Equal(t, "error", entry.level)
	assert.ErrorIs(t, entry.err, boom)

	hooks.OnTimeout(dc)
	entry, ok = log.find("Message dispatch timed out")
	require.True(t, ok)
	assert.ErrorIs(t, entry.err, dispatch.ErrDispatchTimeout)
	assert.Equal(t, "Q", entry.fields["queue"])

	assert.Nil(t, LoggingHooks(nil).OnComplete)
}
