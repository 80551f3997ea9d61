package offline

import (
	"encoding/json"
	"io"
	"net/http"
)

// Handler returns the interception surface the hosting application mounts:
// every request routed through it is answered by the engine's strategies.
func (e *Engine) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		resp, err := e.HandleRequest(r.Context(), r)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadGateway)
			return
		}
		defer resp.Body.Close()

		for name, values := range resp.Header {
			for _, v := range values {
				w.Header().Add(name, v)
			}
		}
		w.WriteHeader(resp.StatusCode)
		io.Copy(w, resp.Body)
	})
}

// RegisterHTTPHandlers registers the engine's control and introspection
// endpoints.
func (e *Engine) RegisterHTTPHandlers(mux *http.ServeMux) {
	mux.HandleFunc("/offline/stats", func(w http.ResponseWriter, r *http.Request) {
		registryStats, err := e.reg.Stats(r.Context())
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		pending, _ := e.queue.Len(r.Context())
		dead, _ := e.queue.DeadCount(r.Context())

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"version":         e.reg.Version(),
			"lifecycle_state": e.lifecycle.State().String(),
			"counters":        e.stats.Snapshot(),
			"stores":          registryStats.Stores,
			"queue_pending":   pending,
			"queue_dead":      dead,
		})
	})

	mux.HandleFunc("/offline/control", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		var msg ControlMessage
		if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if err := e.lifecycle.HandleMessage(r.Context(), msg); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
	})

	mux.HandleFunc("/offline/sync", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		report := e.coordinator.SyncNow(r.Context())
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(report)
	})

	mux.HandleFunc("/offline/notifications", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(e.notifier.Visible())
	})
}
