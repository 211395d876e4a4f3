package api

import (
	"errors"
	"net/http"

	"github.com/Kawayip/church-sub001/pkg/analytics"
	"github.com/Kawayip/church-sub001/pkg/downloads"
	"github.com/Kawayip/church-sub001/pkg/httputil"
	"github.com/Kawayip/church-sub001/pkg/observability"
)

var errInvalidJSON = errors.New("invalid JSON")

// writeError maps validation failures to 400 and logs everything else as a
// 500 without exposing the cause
func writeError(w http.ResponseWriter, r *http.Request, err error, action string) {
	if errors.Is(err, analytics.ErrInvalidInput) || errors.Is(err, downloads.ErrInvalidEvent) {
		httputil.WriteBadRequest(w, err.Error())
		return
	}
	observability.FromContext(r.Context()).WithError(err).WithField("action", action).Error("Request failed")
	httputil.WriteInternalError(w)
}
