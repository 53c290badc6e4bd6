package validator

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/meridian-network/meridian/logger"
	"github.com/meridian-network/meridian/rpc"
)

type statusResponse struct {
	NodeID          string  `json:"node_id"`
	Region          string  `json:"region"`
	LatestHash      string  `json:"latest_hash"` // hex encoded digest, genesis parent until the first commit
	CommittedHeight *uint64 `json:"committed_height,omitempty"`
	PeerCount       int     `json:"peer_count"`
}

func (n *Node) statusEndpoints() rpc.RegistrarFunc {
	return func(r *mux.Router) {
		r.HandleFunc("/status", n.statusHandler).Methods(http.MethodGet, http.MethodOptions)
		r.HandleFunc("/health", healthHandler).Methods(http.MethodGet, http.MethodOptions)
	}
}

func (n *Node) statusHandler(w http.ResponseWriter, req *http.Request) {
	rsp := statusResponse{
		NodeID:     n.peer.ID().String(),
		Region:     n.conf.Region,
		LatestHash: n.proposer.LatestHash().String(),
		PeerCount:  len(n.peer.Network().Peers()),
	}
	block, err := n.LatestBlock()
	if err != nil {
		n.log.WarnContext(req.Context(), "reading latest block for the status response", logger.Error(err))
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	if block != nil {
		rsp.CommittedHeight = &block.Number
	}

	w.Header().Set("Content-Type", "application/json")
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(rsp); err != nil {
		n.log.WarnContext(req.Context(), "writing status response", logger.Error(err))
	}
}

func healthHandler(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
}
