package errs

import (
	"fmt"
	"runtime/debug"
)

// ErrPanic turns a recovered value into an internal CodeError.
func ErrPanic(r any) error {
	return ErrPanicMsg(r, "panic error")
}

func ErrPanicMsg(r any, msg string) error {
	if r == nil {
		return nil
	}
	return &CodeError{
		Code:   ErrInternal.Code,
		Msg:    msg,
		Detail: fmt.Sprintf("%v\n%s", r, debug.Stack()),
		Kind:   KindInternal,
	}
}
