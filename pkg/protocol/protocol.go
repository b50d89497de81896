// Package protocol describes the HTTP contract of the control plane: the endpoints a runtime polls and posts to, the
// headers that carry invocation metadata, and the error payload format.
//
// The package performs no I/O. Both the runtime client and the local debug server are built on it, which keeps the
// two sides of the contract in one place.
package protocol

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
)

const (
	// APIVersion is the path prefix of every control-plane endpoint.
	APIVersion = "/2018-06-01"

	HeaderRequestID          = "Lambda-Runtime-Aws-Request-Id"
	HeaderTraceID            = "Lambda-Runtime-Trace-Id"
	HeaderTenantID           = "Lambda-Runtime-Aws-Tenant-Id"
	HeaderInvokedFunctionARN = "Lambda-Runtime-Invoked-Function-Arn"
	HeaderDeadlineMs         = "Lambda-Runtime-Deadline-Ms"
	HeaderClientContext      = "Lambda-Runtime-Client-Context"
	HeaderCognitoIdentity    = "Lambda-Runtime-Cognito-Identity"
	HeaderFunctionErrorType  = "Lambda-Runtime-Function-Error-Type"
	HeaderFunctionErrorBody  = "Lambda-Runtime-Function-Error-Body"
	HeaderResponseMode       = "Lambda-Runtime-Function-Response-Mode"

	// ResponseModeStreaming marks a response that is sent as a chunked stream.
	ResponseModeStreaming = "streaming"

	// ContentTypeHTTPIntegration is used when the first streamed chunk carries a JSON prelude with custom status code
	// and headers, followed by PreludeSeparator.
	ContentTypeHTTPIntegration = "application/vnd.awslambda.http-integration-response"

	// UnhandledErrorType is the function error type reported for errors raised by the handler.
	UnhandledErrorType = "Unhandled"

	// TraceIDEnv is the legacy environment variable exposing the trace id of the running invocation.
	TraceIDEnv = "_X_AMZN_TRACE_ID"
)

// PreludeSeparator terminates the JSON prelude of an http-integration stream.
var PreludeSeparator = make([]byte, 8)

var (
	ErrMissingHeader = errors.New("protocol: missing required header")
	ErrInvalidHeader = errors.New("protocol: invalid header value")
)

func NextPath() string {
	return APIVersion + "/runtime/invocation/next"
}

func ResponsePath(requestID string) string {
	return fmt.Sprintf("%s/runtime/invocation/%s/response", APIVersion, requestID)
}

func ErrorPath(requestID string) string {
	return fmt.Sprintf("%s/runtime/invocation/%s/error", APIVersion, requestID)
}

func InitErrorPath() string {
	return APIVersion + "/runtime/init/error"
}

// Invocation is one unit of work handed out by the control plane.
type Invocation struct {
	RequestID          string
	TraceID            string
	TenantID           string
	InvokedFunctionARN string
	Deadline           time.Time
	ClientContext      string
	CognitoIdentity    string
	Payload            []byte
}

// ParseInvocation reads the invocation metadata from the headers of a "next invocation" response. The body is
// taken as-is as the event payload.
func ParseInvocation(h http.Header, body []byte) (*Invocation, error) {
	requestID := strings.TrimSpace(h.Get(HeaderRequestID))
	if len(requestID) == 0 {
		return nil, errors.Wrap(ErrMissingHeader, HeaderRequestID)
	}
	rawDeadline := strings.TrimSpace(h.Get(HeaderDeadlineMs))
	if len(rawDeadline) == 0 {
		return nil, errors.Wrap(ErrMissingHeader, HeaderDeadlineMs)
	}
	deadlineMs, err := strconv.ParseInt(rawDeadline, 10, 64)
	if err != nil {
		return nil, errors.Wrapf(ErrInvalidHeader, "%s: %q", HeaderDeadlineMs, rawDeadline)
	}

	return &Invocation{
		RequestID:          requestID,
		TraceID:            h.Get(HeaderTraceID),
		TenantID:           h.Get(HeaderTenantID),
		InvokedFunctionARN: h.Get(HeaderInvokedFunctionARN),
		Deadline:           time.Unix(0, deadlineMs*int64(time.Millisecond)),
		ClientContext:      h.Get(HeaderClientContext),
		CognitoIdentity:    h.Get(HeaderCognitoIdentity),
		Payload:            body,
	}, nil
}

// Header formats the invocation metadata as it is sent by the control plane.
func (inv *Invocation) Header() http.Header {
	h := http.Header{}
	h.Set(HeaderRequestID, inv.RequestID)
	h.Set(HeaderDeadlineMs, strconv.FormatInt(inv.Deadline.UnixNano()/int64(time.Millisecond), 10))
	setIfPresent(h, HeaderTraceID, inv.TraceID)
	setIfPresent(h, HeaderTenantID, inv.TenantID)
	setIfPresent(h, HeaderInvokedFunctionARN, inv.InvokedFunctionARN)
	setIfPresent(h, HeaderClientContext, inv.ClientContext)
	setIfPresent(h, HeaderCognitoIdentity, inv.CognitoIdentity)
	return h
}

func setIfPresent(h http.Header, key, value string) {
	if len(value) != 0 {
		h.Set(key, value)
	}
}
