package anthropic

import (
	"encoding/json"
	"net/http"

	"github.com/lunaroute/lunaroute/internal/core/domain"
)

// WriteError renders a LunaError as Anthropic's `{type:"error", error:{type,
// message}}` error body.
func (a *Adapter) WriteError(w http.ResponseWriter, lerr *domain.LunaError) {
	w.Header().Set("Content-Type", "application/json")
	if lerr.Kind == domain.KindRateLimited && w.Header().Get("Retry-After") == "" {
		w.Header().Set("Retry-After", "1")
	}
	w.WriteHeader(lerr.HTTPStatus())

	body := wireErrorBody{
		Type: "error",
		Error: wireErrInfo{
			Type:    string(lerr.Kind),
			Message: lerr.Message,
		},
	}
	_ = json.NewEncoder(w).Encode(body)
}
