package silo

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"
	"zombiezen.com/go/log"

	"github.com/baryvn/orleans-minio/cluster"
	"github.com/baryvn/orleans-minio/cluster/storage"
	"github.com/baryvn/orleans-minio/gateway"
	"github.com/baryvn/orleans-minio/metrics"
)

type AdminHandler struct {
	store    storage.MemberStore
	provider *gateway.ListProvider
	metrics  *metrics.MetricsRegistry
}

func NewAdminRouter(store storage.MemberStore, provider *gateway.ListProvider, registry *metrics.MetricsRegistry) *mux.Router {
	if registry == nil {
		registry = metrics.NewNoopRegistry()
	}
	h := &AdminHandler{store: store, provider: provider, metrics: registry}

	r := mux.NewRouter()
	r.HandleFunc("/membership", h.GetMembership).Methods("GET")
	r.HandleFunc("/membership/{address}", h.GetMember).Methods("GET")
	r.HandleFunc("/gateways", h.GetGateways).Methods("GET")
	r.HandleFunc("/healthz", h.Healthz).Methods("GET")
	r.Handle("/metrics", registry.Handler()).Methods("GET")
	return r
}

func writeJSON(w http.ResponseWriter, r *http.Request, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Warnf(r.Context(), "Unable to write response to %s: %v", r.URL.Path, err)
	}
}

// GetMembership returns the whole table, or only the silos hosting the
// grain type given by ?grainType=.
func (h *AdminHandler) GetMembership(w http.ResponseWriter, r *http.Request) {
	data := h.store.ReadAll(r.Context())

	if grainType := r.URL.Query().Get("grainType"); grainType != "" {
		members := make([]cluster.MembershipRow, 0, len(data.Members))
		for _, row := range data.Members {
			if row.Entry.CanHandle(grainType) {
				members = append(members, row)
			}
		}
		data.Members = members
	}
	writeJSON(w, r, http.StatusOK, data)
}

func (h *AdminHandler) GetMember(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)

	address, err := cluster.ParseSiloAddress(vars["address"])
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	data := h.store.ReadRow(r.Context(), address)
	row, found := data.Find(address)
	if !found {
		http.Error(w, "silo not found", http.StatusNotFound)
		return
	}
	writeJSON(w, r, http.StatusOK, row)
}

func (h *AdminHandler) GetGateways(w http.ResponseWriter, r *http.Request) {
	gateways := make([]string, 0)
	for _, uri := range h.provider.GetGateways(r.Context()) {
		gateways = append(gateways, uri.String())
	}
	writeJSON(w, r, http.StatusOK, gateways)
}

func (h *AdminHandler) Healthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}
