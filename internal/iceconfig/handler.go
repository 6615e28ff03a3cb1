package iceconfig

import (
	"net/http"

	"github.com/oncolens/conference-signaling/internal/httpserver"
)

// Handler serves the ICE configuration as JSON. Clients fetch it before
// opening the signaling websocket.
func Handler(p *Provider) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		servers, err := p.Servers()
		if err != nil {
			httpserver.WriteJSON(w, http.StatusInternalServerError, map[string]any{
				"error": "ice config unavailable",
			})
			return
		}
		if servers == nil {
			servers = []ICEServer{}
		}
		w.Header().Set("Cache-Control", "no-store")
		httpserver.WriteJSON(w, http.StatusOK, map[string]any{
			"iceServers": servers,
		})
	})
}
