package global

import (
	"net/http"

	"PPCollab/tools/errs"
)

// Msg is the envelope every admin API response is wrapped in.
type Msg struct {
	Code    int    `json:"code"`
	Msg     string `json:"msg"`
	ErrCode string `json:"errCode,omitempty"`
	Data    any    `json:"data,omitempty"`
}

func Success(data any) *Msg {
	return &Msg{
		Code: http.StatusOK,
		Msg:  "ok",
		Data: data,
	}
}

// Fail converts err into an envelope; data carries conflict details when present.
func Fail(err error, data any) (int, *Msg) {
	ce := errs.From(err)
	status := errs.HTTPStatus(err)
	msg := ce.Msg
	if ce.Detail != "" {
		msg += ": " + ce.Detail
	}
	return status, &Msg{
		Code:    status,
		Msg:     msg,
		ErrCode: ce.Code,
		Data:    data,
	}
}
