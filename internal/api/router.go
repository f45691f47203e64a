package api

import "net/http"

func Router(h *Handler) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /v1/health", h.Health)

	mux.HandleFunc("POST /v1/jobs", h.CreateJob)
	mux.HandleFunc("GET /v1/jobs", h.ListJobs)
	mux.HandleFunc("GET /v1/jobs/{id}", h.GetJob)
	mux.HandleFunc("POST /v1/jobs/{id}/cancel", h.CancelJob)
	mux.HandleFunc("POST /v1/jobs/{id}/recover", h.RecoverJob)
	mux.HandleFunc("POST /v1/jobs/{id}/fetch-details", h.FetchDetails)

	mux.HandleFunc("POST /v1/templates/sync", h.SyncTemplates)
	mux.HandleFunc("GET /v1/limits", h.Limits)

	mux.HandleFunc("GET /", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("whatsapp-dispatch"))
	})

	return mux
}
