package middleware

import (
	"net/http"
	"runtime/debug"

	"go.uber.org/zap"

	"github.com/prestabanco/backend/internal/api/types"
	"github.com/prestabanco/backend/pkg/logger"
	appErr "github.com/prestabanco/backend/pkg/errors"
)

// Recovery logs panics and returns 500 with a generic message.
func Recovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			rec := recover()
			if rec == nil {
				return
			}
			if rec == http.ErrAbortHandler {
				panic(rec)
			}
			logger.L().Error("panic recovered",
				zap.String("id", GetRequestID(r.Context())),
				zap.Any("panic", rec),
				zap.ByteString("stack", debug.Stack()),
			)
			types.WriteError(w, appErr.New(appErr.CodeInternal, http.StatusText(http.StatusInternalServerError)))
		}()
		next.ServeHTTP(w, r)
	})
}
