package safe

import (
	"fmt"
	"reflect"

	"PPCollab/logger"
	"PPCollab/tools/errs"

	"go.uber.org/zap"
)

// MustNotNil panics if the given value is nil.
// Useful for enforcing required collaborators in constructors.
func MustNotNil(v any, name string) {
	if v == nil {
		panic(fmt.Sprintf("%s must not be nil", name))
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Ptr, reflect.Map, reflect.Slice, reflect.Func, reflect.Chan, reflect.Interface:
		if rv.IsNil() {
			panic(fmt.Sprintf("%s must not be nil", name))
		}
	}
}

// SafeGo starts a new goroutine that recovers from panic,
// so that panics don't crash the entire program.
func SafeGo(name string, f func()) {
	go Run(name, f)
}

// Run calls f on the current goroutine and logs a recovered panic.
func Run(name string, f func()) {
	defer func() {
		if r := recover(); r != nil {
			logger.Named("safe").Error("panic recovered",
				zap.String("task", name), zap.Error(errs.ErrPanic(r)))
		}
	}()
	f()
}
