package runtime

import (
	"context"
	"encoding/json"

	"github.com/pkg/errors"
)

// ResponseWriter sends the result of one invocation. See client.ResponseWriter for the semantics.
type ResponseWriter interface {
	WriteAndFinish(ctx context.Context, b []byte) error
	Write(ctx context.Context, b []byte, hasCustomHeaders bool) error
	Finish(ctx context.Context) error
	ReportError(ctx context.Context, err error) error
	Finished() bool
}

// Handler processes invocations.
//
// The handler is responsible for completing the response through w. A returned error is reported to the control
// plane, unless the response was already completed. Handlers must be safe for concurrent use when the runtime runs
// with a concurrency above 1.
type Handler interface {
	Invoke(ctx context.Context, event []byte, w ResponseWriter, ic *Context) error
}

type HandlerFunc func(ctx context.Context, event []byte, w ResponseWriter, ic *Context) error

func (fn HandlerFunc) Invoke(ctx context.Context, event []byte, w ResponseWriter, ic *Context) error {
	return fn(ctx, event, w, ic)
}

// BytesHandlerFunc handles an event and returns the complete response.
type BytesHandlerFunc func(ctx context.Context, event []byte) ([]byte, error)

// BytesHandler adapts fn to a Handler that sends the returned bytes as the response.
func BytesHandler(fn BytesHandlerFunc) Handler {
	return HandlerFunc(func(ctx context.Context, event []byte, w ResponseWriter, ic *Context) error {
		out, err := fn(ctx, event)
		if err != nil {
			return err
		}
		return w.WriteAndFinish(ctx, out)
	})
}

// Codec converts events and responses to and from their wire format.
type Codec interface {
	Unmarshal(data []byte, v interface{}) error
	Marshal(v interface{}) ([]byte, error)
}

type JSONCodec struct{}

func (JSONCodec) Unmarshal(data []byte, v interface{}) error {
	return json.Unmarshal(data, v)
}

func (JSONCodec) Marshal(v interface{}) ([]byte, error) {
	return json.Marshal(v)
}

// DecodeError is reported when an event could not be decoded into the input type of a handler.
type DecodeError struct {
	cause error
}

func (e *DecodeError) Error() string {
	return "failed to decode event: " + e.cause.Error()
}

func (e *DecodeError) ErrorType() string {
	return "Runtime.UnmarshalError"
}

func (e *DecodeError) Unwrap() error {
	return e.cause
}

// JSONHandler adapts a typed function to a Handler. Events are decoded into In and the returned Out is encoded as the
// response, using codec or JSONCodec when none is given.
func JSONHandler[In, Out any](fn func(ctx context.Context, in In) (Out, error), codec ...Codec) Handler {
	var c Codec = JSONCodec{}
	if len(codec) > 0 && codec[0] != nil {
		c = codec[0]
	}
	return BytesHandler(func(ctx context.Context, event []byte) ([]byte, error) {
		var in In
		if len(event) > 0 {
			if err := c.Unmarshal(event, &in); err != nil {
				return nil, &DecodeError{cause: err}
			}
		}
		out, err := fn(ctx, in)
		if err != nil {
			return nil, err
		}
		data, err := c.Marshal(out)
		if err != nil {
			return nil, errors.Wrap(err, "failed to encode response")
		}
		return data, nil
	})
}
