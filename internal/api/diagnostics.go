package api

import (
	"net/http"
	"time"

	"github.com/promptlab/promptlab/internal/langfuse"
)

const langfuseDiagnosticsSchemaVersion = "langfuse-export-diagnostics.v1"

type LangfuseDiagnosticsOptions struct {
	Reader langfuse.DiagnosticsReader
}

type langfuseDiagnosticsResponse struct {
	SchemaVersion string               `json:"schema_version"`
	GeneratedAt   time.Time            `json:"generated_at"`
	Diagnostics   langfuse.Diagnostics `json:"diagnostics"`
}

func LangfuseDiagnosticsHandler(options LangfuseDiagnosticsOptions) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !requireMethod(w, r, http.MethodGet) {
			return
		}
		if options.Reader == nil {
			writeError(w, http.StatusServiceUnavailable, "langfuse export is disabled")
			return
		}

		writeJSON(w, http.StatusOK, langfuseDiagnosticsResponse{
			SchemaVersion: langfuseDiagnosticsSchemaVersion,
			GeneratedAt:   time.Now().UTC(),
			Diagnostics:   options.Reader.ExportDiagnostics(),
		})
	})
}
