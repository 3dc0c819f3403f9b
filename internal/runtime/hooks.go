package runtime

import (
	"errors"

	"github.com/drblury/dqueue/internal/runtime/dispatch"
	loggingpkg "github.com/drblury/dqueue/internal/runtime/logging"
)

// ConsumerHooks defines callbacks for the resolution of a dispatch.
// All hooks are optional - nil hooks are simply not called.
type ConsumerHooks struct {
	// OnComplete is called once every handler has returned. The result
	// carries the errors captured from failing handlers.
	OnComplete func(dc *dispatch.Context, result dispatch.Result)

	// OnTimeout is called when the consumer timeout elapses before the
	// handlers finish. It runs on the timer goroutine while the handlers may
	// still be executing.
	OnTimeout func(dc *dispatch.Context)
}

// Merge combines two ConsumerHooks, creating a new ConsumerHooks that calls both.
// The hooks from 'other' are called after the hooks from 'h'.
func (h ConsumerHooks) Merge(other ConsumerHooks) ConsumerHooks {
	return ConsumerHooks{
		OnComplete: chainCompleteHooks(h.OnComplete, other.OnComplete),
		OnTimeout:  chainTimeoutHooks(h.OnTimeout, other.OnTimeout),
	}
}

func (h ConsumerHooks) dispatchHooks() dispatch.Hooks {
	return dispatch.Hooks{OnComplete: h.OnComplete, OnTimeout: h.OnTimeout}
}

func chainCompleteHooks(a, b func(*dispatch.Context, dispatch.Result)) func(*dispatch.Context, dispatch.Result) {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	return func(dc *dispatch.Context, result dispatch.Result) {
		a(dc, result)
		b(dc, result)
	}
}

func chainTimeoutHooks(a, b func(*dispatch.Context)) func(*dispatch.Context) {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	return func(dc *dispatch.Context) {
		a(dc)
		b(dc)
	}
}

// LoggingHooks returns hooks that log every resolution. Failed handlers are
// logged at error level, clean completions at debug level.
func LoggingHooks(log loggingpkg.ServiceLogger) ConsumerHooks {
	if log == nil {
		return ConsumerHooks{}
	}
	return ConsumerHooks{
		OnComplete: func(dc *dispatch.Context, result dispatch.Result) {
			fields := messageFields(dc)
			fields["duration"] = result.Duration.String()
			if result.Failed() {
				fields["failed_handlers"] = len(result.Errors)
				log.Error("Message handlers failed", errors.Join(result.Errors...), fields)
				return
			}
			log.Debug("Message completed", fields)
		},
		OnTimeout: func(dc *dispatch.Context) {
			log.Error("Message dispatch timed out", dispatch.ErrDispatchTimeout, messageFields(dc))
		},
	}
}

func messageFields(dc *dispatch.Context) loggingpkg.LogFields {
	fields := loggingpkg.LogFields{}
	if env := dc.Message(); env != nil {
		fields["message_id"] = env.ID
		fields["queue"] = env.Queue
		fields["message_type"] = env.Type
	}
	return fields
}
