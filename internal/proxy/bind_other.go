//go:build !unix

package proxy

import (
	"errors"
	"syscall"

	"github.com/shinji-kodama/pm2-http-proxy/internal/model"
)

func bindError(err error, addr string) *model.Error {
	data := model.Data{"address": addr}
	switch {
	case errors.Is(err, syscall.EADDRINUSE):
		return model.Wrap(err, model.KindBind, "Port already in use", data)
	case errors.Is(err, syscall.EACCES):
		return model.Wrap(err, model.KindBind, "Access restricted on requested port", data)
	default:
		return model.Wrap(err, model.KindBind, "Unable to listen on requested port", data)
	}
}
