package stshare

import (
	"encoding/json"
	"net/http"
	"runtime"
	"strings"
	"time"
)

// apiHandler serves the management REST API: list/inspect/stop/restart
// tunnels, health, aggregate stats. All endpoints except GET /health
// require the shared auth token. CORS is open so browser dashboards can
// talk to the port directly.
func (s *Server) apiHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-Auth-Token, Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		if r.URL.Path == "/health" && r.Method == http.MethodGet {
			s.apiHealth(w)
			return
		}

		if !s.apiAuthorized(r) {
			writeJSON(w, http.StatusUnauthorized, map[string]interface{}{"error": "Unauthorized"})
			return
		}

		switch {
		case r.URL.Path == "/tunnels" && r.Method == http.MethodGet:
			s.apiListTunnels(w)
		case r.URL.Path == "/stats" && r.Method == http.MethodGet:
			s.apiStats(w)
		case strings.HasPrefix(r.URL.Path, "/tunnels/"):
			s.apiTunnel(w, r, strings.TrimPrefix(r.URL.Path, "/tunnels/"))
		default:
			writeJSON(w, http.StatusNotFound, map[string]interface{}{"error": "Not found"})
		}
	})
}

// apiAuthorized checks the shared token carried in X-Auth-Token or an
// Authorization bearer header. With authentication disabled there is
// nothing to check.
func (s *Server) apiAuthorized(r *http.Request) bool {
	token := s.AuthToken()
	if token == "" {
		return true
	}
	if r.Header.Get("X-Auth-Token") == token {
		return true
	}
	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") && strings.TrimPrefix(auth, "Bearer ") == token {
		return true
	}
	return false
}

func (s *Server) apiHealth(w http.ResponseWriter) {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":  "ok",
		"uptime":  int64(time.Since(s.startedAt).Seconds()),
		"tunnels": s.registry.Count(),
		"domain":  s.config.Domain,
		"memory": map[string]uint64{
			"alloc":      mem.Alloc,
			"totalAlloc": mem.TotalAlloc,
			"sys":        mem.Sys,
			"numGC":      uint64(mem.NumGC),
		},
	})
}

func (s *Server) apiListTunnels(w http.ResponseWriter) {
	tunnels := s.registry.List()
	infos := make([]map[string]interface{}, 0, len(tunnels))
	for _, t := range tunnels {
		infos = append(infos, t.Info(s.config.Domain))
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"tunnels": infos,
		"count":   len(infos),
	})
}

func (s *Server) apiStats(w http.ResponseWriter) {
	requests, bytesIn, bytesOut := s.aggregateStats()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"tunnels":  s.registry.Count(),
		"requests": requests,
		"bytesIn":  bytesIn,
		"bytesOut": bytesOut,
		"uptime":   int64(time.Since(s.startedAt).Seconds()),
	})
}

// apiTunnel dispatches the /tunnels/:name and /tunnels/:name/restart routes
func (s *Server) apiTunnel(w http.ResponseWriter, r *http.Request, tail string) {
	name := tail
	restart := false
	if strings.HasSuffix(tail, "/restart") {
		name = strings.TrimSuffix(tail, "/restart")
		restart = true
	}
	if name == "" || strings.Contains(name, "/") {
		writeJSON(w, http.StatusNotFound, map[string]interface{}{"error": "Not found"})
		return
	}
	t := s.registry.Get(name)
	if t == nil {
		writeJSON(w, http.StatusNotFound, map[string]interface{}{"error": "Tunnel not found"})
		return
	}

	switch {
	case restart && r.Method == http.MethodPost:
		// the agent drops and re-establishes the channel on its own
		t.SendFrame(&Frame{Type: FrameCommand, Action: CommandRestart, Reason: "Requested via management API"})
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"success": true,
			"message": "Tunnel " + name + " restarting",
		})
	case !restart && r.Method == http.MethodGet:
		writeJSON(w, http.StatusOK, t.Info(s.config.Domain))
	case !restart && r.Method == http.MethodDelete:
		t.SendFrame(&Frame{Type: FrameCommand, Action: CommandStop, Reason: "Stopped via management API"})
		t.session.StartShutdown(t.session.Errorf("Stopped via management API"))
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"success": true,
			"message": "Tunnel " + name + " stopped",
		})
	default:
		writeJSON(w, http.StatusMethodNotAllowed, map[string]interface{}{"error": "Method not allowed"})
	}
}

func writeJSON(w http.ResponseWriter, statusCode int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(v)
}
