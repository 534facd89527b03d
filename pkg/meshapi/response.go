package meshapi

import (
	"encoding/json"
	"net/http"
)

// writeJSON encodes v as the response body. Shapes are flat — no envelope
// nesting — since pkg/meshclient decodes these responses directly.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeOK(w http.ResponseWriter) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeErrorCode(w http.ResponseWriter, status int, code string) {
	writeJSON(w, status, map[string]string{"error": code})
}

// writeNotLeader answers a leader-gated request with the elected leader's
// endpoint when known.
func writeNotLeader(w http.ResponseWriter, leaderEndpoint string) {
	writeJSON(w, http.StatusServiceUnavailable, map[string]string{
		"error":           "not_leader",
		"leader_endpoint": leaderEndpoint,
	})
}

func writeErr(w http.ResponseWriter, err error) {
	status, code := mapError(err)
	writeErrorCode(w, status, code)
}
