package handlers

import (
	"net/http"

	apperrors "github.com/3leaps/framefarm/internal/errors"
	"github.com/3leaps/framefarm/pkg/dispatch"
)

// StatusProvider exposes a running dispatcher's state.
type StatusProvider interface {
	Stats() dispatch.Stats
	Nodes() []dispatch.NodeInfo
}

// NodesResponse is the body of /nodes.
type NodesResponse struct {
	Nodes []dispatch.NodeInfo `json:"nodes"`
	Count int                 `json:"count"`
}

// StatusHandler serves /status, the dispatch progress counters.
func StatusHandler(p StatusProvider) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if p == nil {
			respondWithError(w, r, apperrors.NewExternalServiceError("dispatcher not running"))
			return
		}
		writeJSON(w, http.StatusOK, p.Stats())
	}
}

// NodesHandler serves /nodes, every node that has reported since startup.
func NodesHandler(p StatusProvider) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if p == nil {
			respondWithError(w, r, apperrors.NewExternalServiceError("dispatcher not running"))
			return
		}
		nodes := p.Nodes()
		if nodes == nil {
			nodes = []dispatch.NodeInfo{}
		}
		writeJSON(w, http.StatusOK, NodesResponse{Nodes: nodes, Count: len(nodes)})
	}
}
