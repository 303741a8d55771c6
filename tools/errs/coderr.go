package errs

import (
	"errors"
	"strconv"
	"strings"

	pkgerr "github.com/pkg/errors"
)

// Error codes for the device-session client. The ranges mirror the server's
// HTTP behaviour: 1xx transport, 2xx business, 3xx security.
const (
	CodeNetwork  = 100 // unreachable / connection reset
	CodeTimeout  = 101 // request exceeded its deadline
	CodeOffline  = 102 // the client knows it has no connectivity
	CodeConflict = 200 // device quota exceeded, selection required
	CodeBadLogin = 201 // wrong username or password
	CodeRevoked  = 300 // session revoked server-side
	CodePayload  = 400 // malformed server payload
)

type CodeError struct {
	Code   int    `json:"code"`
	Msg    string `json:"msg"`
	Detail string `json:"detail,omitempty"`
}

func NewCodeError(code int, msg string) *CodeError {
	return &CodeError{Code: code, Msg: msg}
}

// 预定义错误，调用方用 errors.Is 判断类别
var (
	ErrNetwork  = NewCodeError(CodeNetwork, "network error")
	ErrTimeout  = NewCodeError(CodeTimeout, "request timeout")
	ErrOffline  = NewCodeError(CodeOffline, "client offline")
	ErrConflict = NewCodeError(CodeConflict, "device selection required")
	ErrBadLogin = NewCodeError(CodeBadLogin, "invalid credentials")
	ErrRevoked  = NewCodeError(CodeRevoked, "session revoked")
	ErrPayload  = NewCodeError(CodePayload, "malformed payload")
)

func (e *CodeError) Error() string {
	v := make([]string, 0, 3)
	v = append(v, strconv.Itoa(e.Code), e.Msg)
	if e.Detail != "" {
		v = append(v, e.Detail)
	}
	return strings.Join(v, " ")
}

// WithDetail returns a copy carrying extra context; the code is preserved so
// errors.Is against the predefined instance still matches.
func (e *CodeError) WithDetail(detail string) *CodeError {
	d := detail
	if e.Detail != "" {
		d = e.Detail + ", " + detail
	}
	return &CodeError{Code: e.Code, Msg: e.Msg, Detail: d}
}

func (e *CodeError) Is(target error) bool {
	var ce *CodeError
	if !errors.As(target, &ce) {
		return false
	}
	return e.Code == ce.Code
}

// WrapMsg attaches a message and a stack to err.
func WrapMsg(err error, msg string) error {
	if err == nil {
		return nil
	}
	return pkgerr.WithMessage(err, msg)
}

// Wrap attaches a stack trace to err.
func Wrap(err error) error {
	if err == nil {
		return nil
	}
	return pkgerr.WithStack(err)
}

// CodeOf extracts the client error code, or 0 when err carries none.
func CodeOf(err error) int {
	var ce *CodeError
	if errors.As(err, &ce) {
		return ce.Code
	}
	return 0
}
