package api

import (
	"net/http"

	"github.com/promptlab/promptlab/internal/playground"
	"github.com/promptlab/promptlab/internal/trace"
)

func (h *handlers) playgroundHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !requireMethod(w, r, http.MethodPost) {
			return
		}
		caller, ok := h.callerFromRequest(w, r)
		if !ok {
			return
		}
		if h.playground == nil {
			writeError(w, http.StatusServiceUnavailable, "playground is not configured")
			return
		}

		var req playground.Request
		if !decodeJSONBody(w, r, &req) {
			return
		}
		if h.limiter != nil {
			if decision := h.limiter.Check(caller.ID, trace.SourcePlayground); decision != nil {
				writeRateLimited(w, decision)
				return
			}
		}

		result, err := h.playground.Run(r.Context(), caller, req)
		if err != nil {
			h.writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, result)
	})
}
