// Package ice builds the ICE server list handed to clients for their peer
// connections.
package ice

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/pion/stun/v3"
	"github.com/pion/webrtc/v4"
)

var ErrTURNCredentials = errors.New("turn server requires username and credential")

// Servers parses urls into ICE servers. TURN entries carry the shared
// credentials; STUN entries never do.
func Servers(urls []string, username, credential string) ([]webrtc.ICEServer, error) {
	out := make([]webrtc.ICEServer, 0, len(urls))
	for _, raw := range urls {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		u, err := stun.ParseURI(raw)
		if err != nil {
			return nil, fmt.Errorf("ice: %q: %w", raw, err)
		}
		s := webrtc.ICEServer{URLs: []string{raw}}
		if u.Scheme == stun.SchemeTypeTURN || u.Scheme == stun.SchemeTypeTURNS {
			if username == "" || credential == "" {
				return nil, fmt.Errorf("%w: %s", ErrTURNCredentials, raw)
			}
			s.Username = username
			s.Credential = credential
			s.CredentialType = webrtc.ICECredentialTypePassword
		}
		out = append(out, s)
	}
	return out, nil
}

// Handler serves GET with {"iceServers": [...]}.
func Handler(servers []webrtc.ICEServer) http.Handler {
	body, _ := json.Marshal(map[string]any{"iceServers": servers})
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		w.Header().Set("content-type", "application/json")
		w.Header().Set("cache-control", "no-store")
		_, _ = w.Write(body)
	})
}
