package pool

import (
	"encoding/json"
	"errors"
	"net/http"
)

// API is the pool manager's HTTP control surface.
type API struct {
	manager *Manager
}

// NewAPI wraps a Manager.
func NewAPI(m *Manager) *API {
	return &API{manager: m}
}

// Handler builds the route table.
func (a *API) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/config", a.handleGetConfig)
	mux.HandleFunc("POST /api/config", a.handleSetConfig)
	mux.HandleFunc("GET /api/workers", a.handleListWorkers)
	mux.HandleFunc("POST /api/workers", a.handleAddWorkers)
	mux.HandleFunc("DELETE /api/workers", a.handleRemoveAll)
	mux.HandleFunc("DELETE /api/workers/{id}", a.handleRemoveWorker)
	mux.HandleFunc("POST /api/scale", a.handleScale)
	return mux
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (a *API) handleGetConfig(w http.ResponseWriter, _ *http.Request) {
	cfg := a.manager.Snapshot()
	writeJSON(w, http.StatusOK, map[string]any{
		"hub_url":   cfg.HubURL,
		"base_port": cfg.BasePort,
	})
}

func (a *API) handleSetConfig(w http.ResponseWriter, r *http.Request) {
	var body struct {
		HubURL   string `json:"hub_url"`
		BasePort int    `json:"base_port"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "invalid JSON body", http.StatusBadRequest)
		return
	}
	if err := a.manager.SetConfig(body.HubURL, body.BasePort); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	cfg := a.manager.Snapshot()
	writeJSON(w, http.StatusOK, map[string]any{
		"hub_url":   cfg.HubURL,
		"base_port": cfg.BasePort,
	})
}

func (a *API) handleListWorkers(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.manager.Statuses(r.Context()))
}

func (a *API) handleAddWorkers(w http.ResponseWriter, r *http.Request) {
	count := 1
	if r.ContentLength != 0 {
		var body struct {
			Count int `json:"count"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			http.Error(w, "invalid JSON body", http.StatusBadRequest)
			return
		}
		if body.Count > 0 {
			count = body.Count
		}
	}

	added := make([]WorkerEntry, 0, count)
	for i := 0; i < count; i++ {
		entry, err := a.manager.AddWorker(r.Context())
		if err != nil {
			a.writeManagerError(w, err)
			return
		}
		added = append(added, entry)
	}
	writeJSON(w, http.StatusCreated, added)
}

func (a *API) handleRemoveWorker(w http.ResponseWriter, r *http.Request) {
	if err := a.manager.RemoveWorker(r.Context(), r.PathValue("id")); err != nil {
		a.writeManagerError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleRemoveAll(w http.ResponseWriter, r *http.Request) {
	if _, err := a.manager.RemoveAll(r.Context()); err != nil {
		a.writeManagerError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleScale(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Target int `json:"target"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "invalid JSON body", http.StatusBadRequest)
		return
	}
	result, err := a.manager.ScaleTo(r.Context(), body.Target)
	if err != nil {
		a.writeManagerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (a *API) writeManagerError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrHubNotConfigured):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, ErrWorkerNotFound):
		http.Error(w, "worker not found", http.StatusNotFound)
	default:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
