package gateway

import (
	"encoding/json"
	"net/http"
	"strconv"

	"go.uber.org/zap"
)

// DispatchHandler exposes call routing over HTTP. The function-worker
// front end asks it where to place each new call and reports completions
// so inflight counters stay accurate.
type DispatchHandler struct {
	manager *NodeManager
	logger  *zap.Logger
}

// NewDispatchHandler creates the handler.
func NewDispatchHandler(manager *NodeManager, logger *zap.Logger) *DispatchHandler {
	return &DispatchHandler{manager: manager, logger: logger}
}

// Register mounts the routes.
func (h *DispatchHandler) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /v1/calls", h.handleNewCall)
	mux.HandleFunc("DELETE /v1/calls/{call_id}", h.handleCallFinished)
	mux.HandleFunc("GET /v1/nodes", h.handleNodes)
}

type newCallRequest struct {
	FuncID uint16 `json:"func_id"`
	CallID uint64 `json:"call_id"`
}

type newCallResponse struct {
	NodeID uint16 `json:"node_id"`
}

func (h *DispatchHandler) handleNewCall(w http.ResponseWriter, r *http.Request) {
	var req newCallRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	nodeID, ok := h.manager.PickNodeForNewFuncCall(req.FuncID, req.CallID)
	if !ok {
		http.Error(w, "no engine node available", http.StatusServiceUnavailable)
		return
	}
	h.logger.Debug("Dispatched function call",
		zap.Uint64("call_id", req.CallID), zap.Uint16("node_id", nodeID))
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(newCallResponse{NodeID: nodeID})
}

func (h *DispatchHandler) handleCallFinished(w http.ResponseWriter, r *http.Request) {
	callID, err := strconv.ParseUint(r.PathValue("call_id"), 10, 64)
	if err != nil {
		http.Error(w, "invalid call id", http.StatusBadRequest)
		return
	}
	h.manager.FuncCallFinished(callID)
	w.WriteHeader(http.StatusNoContent)
}

func (h *DispatchHandler) handleNodes(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]int{"connected": h.manager.NumConnectedNodes()})
}
