// Package ingestapi exposes the small HTTP surface used to submit
// pay-after transactions and query their status, plus the ambient
// metrics/health endpoints.
package ingestapi

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	hclog "github.com/hashicorp/go-hclog"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/xgr-network/pollinated/payafter"
	"github.com/xgr-network/pollinated/statestore"
)

// Decoder parses a raw PAT envelope.
type Decoder interface {
	Decode(bin []byte) (*payafter.Pat, error)
}

// Scheduler admits a decoded PAT.
type Scheduler interface {
	Discover(ctx context.Context, pat *payafter.Pat) (*payafter.DiscoverOutcome, error)
}

// StateReader answers per-address history queries without mutating state.
type StateReader interface {
	PatsBySigner(signer common.Address) []*statestore.PendingPat
}

// HealthChecker reports whether the pollinator has finished startup wiring
// (wallet derived, RPC client dialed, state loaded). The RPC endpoint is not
// contacted as part of this check.
type HealthChecker interface {
	Ready() bool
}

// Server is the ingest HTTP surface.
type Server struct {
	mux       *http.ServeMux
	decoder   Decoder
	scheduler Scheduler
	reader    StateReader
	health    HealthChecker
	log       hclog.Logger
}

// New builds the ingest server's route table.
func New(decoder Decoder, scheduler Scheduler, reader StateReader, health HealthChecker, registerMetrics func(*http.ServeMux), log hclog.Logger) *Server {
	s := &Server{
		mux:       http.NewServeMux(),
		decoder:   decoder,
		scheduler: scheduler,
		reader:    reader,
		health:    health,
		log:       log,
	}
	s.mux.HandleFunc("/api/v1/payafter", s.handlePayAfter)
	s.mux.HandleFunc("/api/v1/address-payafters/", s.handleAddressPayAfters)
	s.mux.HandleFunc("/healthz", s.handleHealthz)
	if registerMetrics != nil {
		registerMetrics(s.mux)
	} else {
		s.mux.Handle("/metrics", promhttp.Handler())
	}
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func withCORS(w http.ResponseWriter) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type payAfterReq struct {
	Txn string `json:"txn"`
}

func (s *Server) handlePayAfter(w http.ResponseWriter, r *http.Request) {
	withCORS(w)
	if r.Method == http.MethodOptions {
		writeJSON(w, http.StatusOK, struct{}{})
		return
	}
	if r.Method != http.MethodPost {
		http.NotFound(w, r)
		return
	}

	var req payAfterReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "malformed request body", http.StatusBadRequest)
		return
	}

	txnHex := strings.TrimPrefix(req.Txn, "0x")
	bin, err := hex.DecodeString(txnHex)
	if err != nil {
		http.Error(w, "malformed hex", http.StatusBadRequest)
		return
	}

	pat, err := s.decoder.Decode(bin)
	if err != nil {
		writeJSON(w, http.StatusOK, PayAfterRes{Error: []string{err.Error()}})
		return
	}

	outcome, err := s.scheduler.Discover(r.Context(), pat)
	if err != nil {
		writeJSON(w, http.StatusOK, PayAfterRes{
			CreateTime: &pat.CreateTime,
			DataHash:   &pat.DataHash,
			Error:      errorChain(err),
		})
		return
	}

	res := PayAfterRes{CreateTime: &pat.CreateTime, DataHash: &pat.DataHash}
	if outcome.TxHash != nil {
		res.Txid = outcome.TxHash
	} else {
		res.WaitUntil = outcome.WaitUntil
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleAddressPayAfters(w http.ResponseWriter, r *http.Request) {
	withCORS(w)
	if r.Method == http.MethodOptions {
		writeJSON(w, http.StatusOK, struct{}{})
		return
	}
	if r.Method != http.MethodGet {
		http.NotFound(w, r)
		return
	}

	addrHex := strings.TrimPrefix(r.URL.Path, "/api/v1/address-payafters/")
	if !common.IsHexAddress(addrHex) {
		http.Error(w, "malformed address", http.StatusBadRequest)
		return
	}
	addr := common.HexToAddress(addrHex)

	pats := s.reader.PatsBySigner(addr)
	out := make([]PayAfterRes, 0, len(pats))
	for _, p := range pats {
		out = append(out, toRes(p))
	}
	writeJSON(w, http.StatusOK, out)
}

func toRes(p *statestore.PendingPat) PayAfterRes {
	res := PayAfterRes{CreateTime: &p.CreateTime, DataHash: &p.DataHash}
	switch st := p.Status.(type) {
	case statestore.PatWaiting:
		res.WaitUntil = &st.TimeToRun
	case statestore.PatSuccess:
		h := common.Hash(st)
		res.Txid = &h
	case statestore.PatError:
		res.Error = st
	default:
		res.Error = []string{"corrupted status record"}
	}
	return res
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if s.health != nil && !s.health.Ready() {
		http.Error(w, "not ready", http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "text/plain")
	fmt.Fprint(w, "ok")
}

func errorChain(err error) []string {
	var out []string
	for err != nil {
		out = append(out, err.Error())
		err = errors.Unwrap(err)
	}
	return out
}
