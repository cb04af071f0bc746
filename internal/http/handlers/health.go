package handlers

import "net/http"

// Health reports liveness and, per provider, whether its credentials are set.
func (api *API) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "healthy",
		"service":   api.serviceName,
		"providers": api.jobs.ProviderStatus(),
	})
}
