package errs

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// Kind groups codes into the taxonomy clients react to.
type Kind int

const (
	KindInvalid Kind = iota
	KindAuth
	KindConflict
	KindNotFound
	KindTransport
	KindInternal
)

func (k Kind) String() string {
	switch k {
	case KindAuth:
		return "auth"
	case KindConflict:
		return "conflict"
	case KindNotFound:
		return "not_found"
	case KindTransport:
		return "transport"
	case KindInternal:
		return "internal"
	default:
		return "invalid"
	}
}

type CodeErrorI interface {
	ECode() string
	EMsg() string
	DDetail() string
	WithDetail(detail string) *CodeError
	error
}

func NewCodeError(kind Kind, code, msg string) *CodeError {
	return &CodeError{
		Code: code,
		Msg:  msg,
		Kind: kind,
	}
}

type CodeError struct {
	Code   string `json:"code"`
	Msg    string `json:"message"`
	Detail string `json:"detail,omitempty"`
	Kind   Kind   `json:"-"`
}

func (e *CodeError) ECode() string   { return e.Code }
func (e *CodeError) EMsg() string    { return e.Msg }
func (e *CodeError) DDetail() string { return e.Detail }

func (e *CodeError) WithDetail(detail string) *CodeError {
	retErr := e.clone()
	if retErr.Detail == "" {
		retErr.Detail = detail
	} else {
		retErr.Detail += ", " + detail
	}
	return retErr
}

func (e *CodeError) clone() *CodeError {
	return &CodeError{
		Code:   e.Code,
		Msg:    e.Msg,
		Detail: e.Detail,
		Kind:   e.Kind,
	}
}

// WrapMsg returns a copy carrying msg and kv pairs as detail.
func (e *CodeError) WrapMsg(msg string, kv ...any) error {
	if msg == "" && len(kv) == 0 {
		return e.clone()
	}
	return e.WithDetail(toString(msg, kv))
}

// Is matches any CodeError with the same code.
func (e *CodeError) Is(target error) bool {
	var other *CodeError
	if !errors.As(target, &other) {
		return false
	}
	if e == nil || other == nil {
		return e == other
	}
	return e.Code == other.Code
}

func (e *CodeError) Error() string {
	v := make([]string, 0, 3)
	v = append(v, e.Code, e.Msg)
	if e.Detail != "" {
		v = append(v, e.Detail)
	}
	return strings.Join(v, " ")
}

// As extracts the first CodeError in err's chain.
func As(err error) (*CodeError, bool) {
	var ce *CodeError
	if errors.As(err, &ce) {
		return ce, true
	}
	return nil, false
}

// From converts any error into a CodeError, falling back to ErrInternal.
func From(err error) *CodeError {
	if err == nil {
		return nil
	}
	if ce, ok := As(err); ok {
		return ce
	}
	return ErrInternal.WithDetail(err.Error())
}

// HTTPStatus maps an error to the status code the admin API answers with.
func HTTPStatus(err error) int {
	ce, ok := As(err)
	if !ok {
		return http.StatusInternalServerError
	}
	switch ce.Kind {
	case KindAuth:
		if ce.Code == ErrPermissionDenied.Code || ce.Code == ErrAdminRequired.Code {
			return http.StatusForbidden
		}
		return http.StatusUnauthorized
	case KindConflict:
		return http.StatusConflict
	case KindNotFound:
		return http.StatusNotFound
	case KindInvalid:
		return http.StatusBadRequest
	case KindTransport:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func toString(msg string, kv []any) string {
	var sb strings.Builder
	sb.WriteString(msg)
	for i := 0; i < len(kv); i += 2 {
		if sb.Len() > 0 {
			sb.WriteString(", ")
		}
		if i+1 < len(kv) {
			fmt.Fprintf(&sb, "%v=%v", kv[i], kv[i+1])
		} else {
			fmt.Fprintf(&sb, "%v", kv[i])
		}
	}
	return sb.String()
}
