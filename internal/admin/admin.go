// Package admin serves the operator endpoints: connection stats and
// pressure relief.
package admin

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/collapsinghierarchy/nt-callrelay/internal/logs"
	"github.com/collapsinghierarchy/nt-callrelay/internal/registry"
)

var errBadContentType = errors.New("content-type must be application/json")

type Service interface {
	Stats() registry.Stats
	CloseOldest(n int) []string
}

type closeOldestReq struct {
	N int `json:"n" validate:"min=1,max=10000"`
}

// Routes exposes GET /stats and POST /close-oldest.
// - /stats: {"total","active","limit","available"}
// - /close-oldest: body {"n": k}; 200 with {"closed": [ids]}.
func Routes(svc Service, lg *zap.Logger) http.Handler {
	lg = logs.OrNop(lg).Named("admin")
	v := validator.New()
	mux := http.NewServeMux()

	mux.HandleFunc("/stats", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		writeJSON(w, svc.Stats())
	})

	mux.HandleFunc("/close-oldest", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		if ct := r.Header.Get("Content-Type"); !strings.HasPrefix(ct, "application/json") {
			http.Error(w, errBadContentType.Error(), http.StatusUnsupportedMediaType)
			return
		}
		var req closeOldestReq
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<10)).Decode(&req); err != nil {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		if err := v.Struct(req); err != nil {
			http.Error(w, "n must be between 1 and 10000", http.StatusBadRequest)
			return
		}
		closed := svc.CloseOldest(req.N)
		if closed == nil {
			closed = []string{}
		}
		lg.Info("close-oldest", zap.Int("n", req.N), zap.Int("closed", len(closed)))
		writeJSON(w, map[string]any{"closed": closed})
	})

	return mux
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("content-type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
