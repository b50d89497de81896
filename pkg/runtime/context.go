package runtime

import (
	"context"
	"time"

	"github.com/fission/fission-runtime-client/pkg/protocol"
	"github.com/sirupsen/logrus"
)

// Context describes the invocation a handler is processing.
type Context struct {
	RequestID          string
	TraceID            string
	TenantID           string
	InvokedFunctionARN string
	Deadline           time.Time
	ClientContext      string
	CognitoIdentity    string

	// Logger carries the request id and trace id as fields.
	Logger logrus.FieldLogger
}

func newInvocationContext(inv *protocol.Invocation, logger *logrus.Entry) *Context {
	return &Context{
		RequestID:          inv.RequestID,
		TraceID:            inv.TraceID,
		TenantID:           inv.TenantID,
		InvokedFunctionARN: inv.InvokedFunctionARN,
		Deadline:           inv.Deadline,
		ClientContext:      inv.ClientContext,
		CognitoIdentity:    inv.CognitoIdentity,
		Logger: logger.WithFields(logrus.Fields{
			"requestId": inv.RequestID,
			"traceId":   inv.TraceID,
		}),
	}
}

// RemainingTime returns the time left until the deadline of the invocation.
func (ic *Context) RemainingTime() time.Duration {
	return time.Until(ic.Deadline)
}

type contextKey struct{}

// NewContext returns a copy of ctx carrying ic. Work derived from the returned context, including goroutines it is
// passed to, can look up the invocation with FromContext.
func NewContext(ctx context.Context, ic *Context) context.Context {
	return context.WithValue(ctx, contextKey{}, ic)
}

func FromContext(ctx context.Context) (*Context, bool) {
	ic, ok := ctx.Value(contextKey{}).(*Context)
	return ic, ok && ic != nil
}

// TraceIDFromContext returns the trace id of the invocation in ctx, or an empty string outside of an invocation.
func TraceIDFromContext(ctx context.Context) string {
	if ic, ok := FromContext(ctx); ok {
		return ic.TraceID
	}
	return ""
}
