package dispatch

import (
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "dqueue-dispatcher"

// HandlerFunc processes one message. Returning nil lets the dispatch
// continue; an error is recorded against the handler.
type HandlerFunc func(dc *Context) error

// Handler is a named HandlerFunc.
type Handler struct {
	Name string
	Fn   HandlerFunc
}

// HandlerError attributes a failure to the handler at Index.
type HandlerError struct {
	Index int
	Name  string
	Err   error
}

func (e *HandlerError) Error() string {
	return fmt.Sprintf("dqueue: handler %d (%s): %v", e.Index, e.Name, e.Err)
}

func (e *HandlerError) Unwrap() error {
	return e.Err
}

// Result is returned by Dispatch.
type Result struct {
	Resolution Resolution
	Errors     []error
	Duration   time.Duration
}

// Failed reports whether any handler errored.
func (r Result) Failed() bool {
	return len(r.Errors) > 0
}

// Err joins the handler errors.
func (r Result) Err() error {
	return errors.Join(r.Errors...)
}

// Dispatch invokes every handler in order on the calling goroutine. A
// failing handler never stops the ones after it. Once the handlers return
// the context resolves as Complete unless a timeout fired first. A message
// whose parent scope ended before dispatch started is withdrawn without
// running any handler.
func Dispatch(dc *Context, handlers []Handler) Result {
	env := dc.Message()
	attrs := []attribute.KeyValue{attribute.Int("dqueue.handlers", len(handlers))}
	if env != nil {
		attrs = append(attrs,
			attribute.String("messaging.destination.name", env.Queue),
			attribute.String("messaging.message.id", env.ID),
			attribute.String("dqueue.message.type", env.Type),
		)
	}
	ctx, span := otel.Tracer(tracerName).Start(dc.Context(), "Dispatch",
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(attrs...),
	)
	defer span.End()
	dc.setContext(ctx)

	if dc.shutdown() {
		dc.withdraw()
	} else {
		for i, h := range handlers {
			if err := invoke(dc, i, h); err != nil {
				dc.LogException(err)
				span.RecordError(err)
			}
		}
		dc.GotoComplete()
	}

	result := Result{
		Resolution: dc.Resolution(),
		Errors:     dc.Exceptions(),
		Duration:   time.Since(dc.started),
	}
	span.SetAttributes(attribute.String("dqueue.resolution", result.Resolution.String()))
	if result.Failed() || result.Resolution == Timeout {
		span.SetStatus(codes.Error, result.Resolution.String())
	}
	return result
}

func invoke(dc *Context, index int, h Handler) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &HandlerError{Index: index, Name: h.Name, Err: fmt.Errorf("panic: %v", r)}
		}
	}()
	if h.Fn == nil {
		return nil
	}
	if herr := h.Fn(dc); herr != nil {
		return &HandlerError{Index: index, Name: h.Name, Err: herr}
	}
	return nil
}
