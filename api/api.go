// Package api is the HTTP surface of the anchor service.
package api

import (
	"bytes"
	"context"
	stdjson "encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/aquachain/anchor-core/anchor"
	"github.com/aquachain/anchor-core/database"
	"github.com/aquachain/anchor-core/snapshot"
	"github.com/aquachain/anchor-core/types"
	"github.com/aquachain/anchor-core/util"
	json "github.com/goccy/go-json"
	"github.com/gorilla/mux"
	"github.com/tendermint/tendermint/libs/log"
	"github.com/throttled/throttled/v2"
	"github.com/throttled/throttled/v2/store/memstore"
)

const (
	maxBodyBytes = 1 << 20
	// longer than the full retry envelope of a submission job
	defaultAnchorTimeout = 2 * time.Minute
)

// AnchorRequest is either a raw snapshot or a precomputed content hash
type AnchorRequest struct {
	Snapshot    json.RawMessage `json:"snapshot,omitempty"`
	ContentHash string          `json:"content_hash,omitempty"`
	Zone        string          `json:"zone,omitempty"`
	Metadata    json.RawMessage `json:"metadata,omitempty"`
}

type AnchorResponse struct {
	TxID        string         `json:"tx_id"`
	ContentHash string         `json:"content_hash"`
	Zone        string         `json:"zone"`
	Status      types.TxStatus `json:"status"`
}

type StatusResponse struct {
	anchor.Status
	WebSocketClients int `json:"websocket_clients"`
}

// API : handlers over the anchor service and the lifecycle store
type API struct {
	Service       *anchor.Service
	Store         database.TxLifecycleStore
	Hub           *Hub
	AnchorTimeout time.Duration
	Logger        log.Logger
}

// NewAPI wires the websocket hub into the service's notifications
func NewAPI(svc *anchor.Service, store database.TxLifecycleStore, logger log.Logger) *API {
	hub := NewHub(logger)
	svc.Subscribe(hub.Broadcast)
	return &API{
		Service:       svc,
		Store:         store,
		Hub:           hub,
		AnchorTimeout: defaultAnchorTimeout,
		Logger:        logger,
	}
}

func newLimiter(quota throttled.RateQuota) (throttled.HTTPRateLimiter, error) {
	store, err := memstore.New(65536)
	if err != nil {
		return throttled.HTTPRateLimiter{}, err
	}
	limiter, err := throttled.NewGCRARateLimiter(store, quota)
	if err != nil {
		return throttled.HTTPRateLimiter{}, err
	}
	return throttled.HTTPRateLimiter{
		RateLimiter: limiter,
		VaryBy:      &throttled.VaryBy{RemoteAddr: true},
	}, nil
}

// Router : anchor submissions get a strict quota, reads a looser one
func (api *API) Router() (*mux.Router, error) {
	anchorLimiter, err := newLimiter(throttled.RateQuota{MaxRate: throttled.PerSec(5), MaxBurst: 20})
	if err != nil {
		return nil, err
	}
	readLimiter, err := newLimiter(throttled.RateQuota{MaxRate: throttled.PerSec(25), MaxBurst: 100})
	if err != nil {
		return nil, err
	}
	r := mux.NewRouter()
	r.Handle("/anchor", anchorLimiter.RateLimit(http.HandlerFunc(api.AnchorHandler))).Methods(http.MethodPost)
	r.Handle("/tx/{tx_id}", readLimiter.RateLimit(http.HandlerFunc(api.TxHandler))).Methods(http.MethodGet)
	r.Handle("/anchors/{content_hash}", readLimiter.RateLimit(http.HandlerFunc(api.AnchorsHandler))).Methods(http.MethodGet)
	r.Handle("/pending", readLimiter.RateLimit(http.HandlerFunc(api.PendingHandler))).Methods(http.MethodGet)
	r.Handle("/status", readLimiter.RateLimit(http.HandlerFunc(api.StatusHandler))).Methods(http.MethodGet)
	r.HandleFunc("/health", api.HealthHandler).Methods(http.MethodGet)
	r.HandleFunc("/notifications", api.Hub.ServeWS)
	return r, nil
}

// respondJSON makes the response with payload as json format
func respondJSON(w http.ResponseWriter, status int, payload interface{}) {
	response, err := json.Marshal(payload)
	if util.LogError(err) != nil {
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte(err.Error()))
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(response)
}

func respondError(w http.ResponseWriter, status int, msg string) {
	respondJSON(w, status, map[string]interface{}{"error": msg})
}

func (api *API) AnchorHandler(w http.ResponseWriter, r *http.Request) {
	var req AnchorRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	var future *anchor.Future
	var contentHash, zone string
	switch {
	case len(req.Snapshot) > 0:
		snap, err := snapshot.DecodeSnapshot(bytes.NewReader(req.Snapshot))
		if err != nil {
			respondError(w, http.StatusBadRequest, "snapshot must be a JSON object")
			return
		}
		contentHash, err = snapshot.ComputeContentHash(snap)
		if err != nil {
			respondError(w, http.StatusBadRequest, err.Error())
			return
		}
		zone, _ = snap["zone"].(string)
		future = api.Service.AnchorSnapshot(snap)
	case req.ContentHash != "":
		normalized, err := snapshot.NormalizeContentHash(req.ContentHash)
		if err != nil {
			respondError(w, http.StatusBadRequest, err.Error())
			return
		}
		contentHash, zone = normalized, req.Zone
		future = api.Service.AnchorContentHash(normalized, req.Zone, stdjson.RawMessage(req.Metadata))
	default:
		respondError(w, http.StatusBadRequest, "one of snapshot or content_hash is required")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), api.AnchorTimeout)
	defer cancel()
	txID, err := future.Wait(ctx)
	if err != nil {
		api.respondAnchorError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, AnchorResponse{TxID: txID, ContentHash: contentHash, Zone: zone, Status: types.TxPending})
}

func (api *API) respondAnchorError(w http.ResponseWriter, err error) {
	var sendErr *anchor.SendError
	switch {
	case errors.Is(err, anchor.ErrUnavailable), errors.Is(err, anchor.ErrStopped):
		respondError(w, http.StatusServiceUnavailable, err.Error())
	case errors.As(err, &sendErr):
		respondError(w, http.StatusBadGateway, err.Error())
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		respondError(w, http.StatusGatewayTimeout, "anchor still in progress")
	default:
		respondError(w, http.StatusBadRequest, err.Error())
	}
}

func (api *API) TxHandler(w http.ResponseWriter, r *http.Request) {
	txID := mux.Vars(r)["tx_id"]
	tx, found, err := api.Store.GetByTx(txID)
	if util.LoggerError(api.Logger, err) != nil {
		respondError(w, http.StatusInternalServerError, "could not query lifecycle store")
		return
	}
	if !found {
		respondError(w, http.StatusNotFound, "unknown tx_id")
		return
	}
	respondJSON(w, http.StatusOK, tx)
}

func (api *API) AnchorsHandler(w http.ResponseWriter, r *http.Request) {
	contentHash, err := snapshot.NormalizeContentHash(mux.Vars(r)["content_hash"])
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	rows, err := api.Store.ListByContentHash(contentHash)
	if util.LoggerError(api.Logger, err) != nil {
		respondError(w, http.StatusInternalServerError, "could not query lifecycle store")
		return
	}
	respondJSON(w, http.StatusOK, rows)
}

func (api *API) PendingHandler(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			respondError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		limit = n
	}
	rows, err := api.Store.ListUnconfirmed(limit)
	if util.LoggerError(api.Logger, err) != nil {
		respondError(w, http.StatusInternalServerError, "could not query lifecycle store")
		return
	}
	respondJSON(w, http.StatusOK, rows)
}

func (api *API) StatusHandler(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, StatusResponse{Status: api.Service.Status(), WebSocketClients: api.Hub.Len()})
}

func (api *API) HealthHandler(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]interface{}{"ok": true, "anchor_enabled": api.Service.Enabled()})
}
