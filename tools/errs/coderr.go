package errs

import (
	"errors"
	"strconv"
	"strings"
)

// Boundary error codes surfaced to clients.
const (
	ServerInternalError = 500
	ArgsError           = 1001
	TokenInvalidError   = 1002
	CatchUpFailedError  = 1101
	AppendFailedError   = 1102
)

var (
	ErrArgs         = NewCodeError(ArgsError, "bad request args")
	ErrTokenInvalid = NewCodeError(TokenInvalidError, "token invalid")
	ErrCatchUp      = NewCodeError(CatchUpFailedError, "catch-up read failed")
	ErrAppend       = NewCodeError(AppendFailedError, "append failed")
	ErrInternal     = NewCodeError(ServerInternalError, "server internal error")
)

func NewCodeError(code int, msg string) *CodeError {
	return &CodeError{
		Code: code,
		Msg:  msg,
	}
}

type CodeError struct {
	Code   int    `json:"code"`
	Msg    string `json:"msg"`
	Detail string `json:"detail,omitempty"`
}

func (e *CodeError) WithDetail(detail string) *CodeError {
	d := detail
	if e.Detail != "" {
		d = e.Detail + ", " + detail
	}
	return &CodeError{
		Code:   e.Code,
		Msg:    e.Msg,
		Detail: d,
	}
}

func (e *CodeError) Error() string {
	v := make([]string, 0, 3)
	v = append(v, strconv.Itoa(e.Code), e.Msg)
	if e.Detail != "" {
		v = append(v, e.Detail)
	}
	return strings.Join(v, " ")
}

func (e *CodeError) Is(err error) bool {
	var codeErr *CodeError
	if !errors.As(err, &codeErr) {
		return false
	}
	return codeErr.Code == e.Code
}

// Code extracts the boundary code from an error chain, defaulting to 500.
func Code(err error) int {
	var codeErr *CodeError
	if errors.As(err, &codeErr) {
		return codeErr.Code
	}
	return ServerInternalError
}
