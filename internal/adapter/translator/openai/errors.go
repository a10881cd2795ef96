package openai

import (
	"encoding/json"
	"net/http"

	"github.com/lunaroute/lunaroute/internal/core/domain"
)

// WriteError renders a LunaError as OpenAI's `{error:{message, type, code}}`
// error response body (wireErrorBody, declared in types.go).
func (a *Adapter) WriteError(w http.ResponseWriter, lerr *domain.LunaError) {
	w.Header().Set("Content-Type", "application/json")
	if lerr.Kind == domain.KindRateLimited && w.Header().Get("Retry-After") == "" {
		w.Header().Set("Retry-After", "1")
	}
	w.WriteHeader(lerr.HTTPStatus())

	body := wireErrorBody{
		Error: wireErrInfo{
			Message: lerr.Message,
			Type:    string(lerr.Kind),
			Code:    string(lerr.Kind),
		},
	}
	_ = json.NewEncoder(w).Encode(body)
}
