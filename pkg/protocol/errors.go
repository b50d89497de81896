package protocol

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/pkg/errors"
)

// ErrorPayload is the structured error body posted to the error endpoints.
type ErrorPayload struct {
	ErrorType    string   `json:"errorType"`
	ErrorMessage string   `json:"errorMessage"`
	StackTrace   []string `json:"stackTrace,omitempty"`
}

// TypedError can be implemented by errors to control the reported error type.
type TypedError interface {
	error
	ErrorType() string
}

// stackError is implemented by errors that captured a stack, such as recovered panics.
type stackError interface {
	Stack() []string
}

func NewErrorPayload(err error) *ErrorPayload {
	if err == nil {
		return &ErrorPayload{ErrorType: UnhandledErrorType}
	}
	payload := &ErrorPayload{
		ErrorType:    ErrorType(err),
		ErrorMessage: err.Error(),
	}
	var stacked stackError
	if errors.As(err, &stacked) {
		payload.StackTrace = stacked.Stack()
	}
	return payload
}

// ErrorType returns the type name reported for err. Wrapping added with github.com/pkg/errors is looked through.
func ErrorType(err error) string {
	var typed TypedError
	if errors.As(err, &typed) && len(typed.ErrorType()) != 0 {
		return typed.ErrorType()
	}
	name := strings.TrimLeft(fmt.Sprintf("%T", errors.Cause(err)), "*")
	if idx := strings.LastIndex(name, "."); idx >= 0 {
		name = name[idx+1:]
	}
	return name
}

func (p *ErrorPayload) Error() string {
	return fmt.Sprintf("%s: %s", p.ErrorType, p.ErrorMessage)
}

func (p *ErrorPayload) JSON() []byte {
	bs, err := json.Marshal(p)
	if err != nil {
		panic(err)
	}
	return bs
}

func ParseErrorPayload(data []byte) (*ErrorPayload, error) {
	payload := &ErrorPayload{}
	if err := json.Unmarshal(data, payload); err != nil {
		return nil, err
	}
	return payload, nil
}
