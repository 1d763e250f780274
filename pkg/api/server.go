package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"go.uber.org/zap"

	"github.com/uhyunpark/hypershard/pkg/consensus"
	"github.com/uhyunpark/hypershard/pkg/storage"
	"github.com/uhyunpark/hypershard/pkg/types"
	"github.com/uhyunpark/hypershard/pkg/util"
)

// ChannelBlocks carries a BlockCommitted for every block this node commits.
const ChannelBlocks = "blocks"

// Node is the part of the consensus engine the API reads from and submits
// to.
type Node interface {
	Status() consensus.Status
	SubmitTransaction(tx *types.Transaction, decision types.Decision) (types.TransactionID, error)
}

// Mempool reports pending transactions. *mempool.Mempool satisfies it.
type Mempool interface {
	Len() int
	Get(id types.TransactionID) (*types.Transaction, bool)
}

type Config struct {
	Addr           string
	AllowedOrigins []string
	// Gatherer backs /metrics. Nil serves the default registry.
	Gatherer prometheus.Gatherer
	Logger   *zap.SugaredLogger
}

// Server exposes node status, chain lookups, transaction submission and a
// committed-block feed. It is an observability surface, not a wallet API.
type Server struct {
	cfg     Config
	node    Node
	store   storage.Store
	mempool Mempool
	router  *mux.Router
	hub     *Hub
	log     *zap.SugaredLogger
	done    chan struct{}
}

func NewServer(node Node, store storage.Store, mp Mempool, cfg Config) *Server {
	if cfg.Gatherer == nil {
		cfg.Gatherer = prometheus.DefaultGatherer
	}
	log := util.OrNop(cfg.Logger)
	s := &Server{
		cfg:     cfg,
		node:    node,
		store:   store,
		mempool: mp,
		router:  mux.NewRouter(),
		hub:     NewHub(log),
		log:     log,
		done:    make(chan struct{}),
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	api := s.router.PathPrefix("/api/v1").Subrouter()

	api.HandleFunc("/status", s.handleGetStatus).Methods("GET")
	api.HandleFunc("/blocks/height/{height:[0-9]+}", s.handleGetBlockByHeight).Methods("GET")
	api.HandleFunc("/blocks/{id}", s.handleGetBlock).Methods("GET")
	api.HandleFunc("/substates/{address}", s.handleGetSubstate).Methods("GET")
	api.HandleFunc("/transactions", s.handleSubmitTransaction).Methods("POST")
	api.HandleFunc("/transactions/{id}", s.handleGetTransaction).Methods("GET")

	s.router.HandleFunc("/ws", s.handleWebSocket)
	s.router.Handle("/metrics", promhttp.HandlerFor(s.cfg.Gatherer, promhttp.HandlerOpts{})).Methods("GET")
	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")
}

// Handler returns the routed handler wrapped with CORS.
func (s *Server) Handler() http.Handler {
	origins := s.cfg.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"http://localhost:3000", "http://localhost:3001"}
	}
	c := cors.New(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type", "Authorization"},
		AllowCredentials: true,
	})
	return c.Handler(s.router)
}

// Run serves until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	defer close(s.done)
	srv := &http.Server{Addr: s.cfg.Addr, Handler: s.Handler(), ReadHeaderTimeout: 5 * time.Second}

	hubDone := make(chan struct{})
	go func() {
		defer close(hubDone)
		s.hub.Run(ctx)
	}()

	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe() }()
	s.log.Infow("api_listening", "addr", s.cfg.Addr)

	var err error
	select {
	case err = <-errc:
	case <-ctx.Done():
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err = srv.Shutdown(sctx)
		cancel()
		<-errc
	}
	<-hubDone
	if errors.Is(err, http.ErrServerClosed) {
		err = nil
	}
	return errors.Wrap(err, "api server")
}

// OnBlockCommit pushes a committed block to websocket subscribers. It does
// not block.
func (s *Server) OnBlockCommit(b *types.Block, qc *types.QuorumCertificate) {
	s.hub.BroadcastToChannel(ChannelBlocks, BlockCommitted{Type: "block", Block: blockInfo(b, qc)})
}

func (s *Server) handleGetStatus(w http.ResponseWriter, r *http.Request) {
	n := 0
	if s.mempool != nil {
		n = s.mempool.Len()
	}
	respondJSON(w, statusInfo(s.node.Status(), n))
}

func (s *Server) handleGetBlock(w http.ResponseWriter, r *http.Request) {
	id, err := types.ParseBlockID(mux.Vars(r)["id"])
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid block id", err.Error())
		return
	}
	s.respondBlock(w, id)
}

func (s *Server) handleGetBlockByHeight(w http.ResponseWriter, r *http.Request) {
	h, err := strconv.ParseUint(mux.Vars(r)["height"], 10, 64)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid height", err.Error())
		return
	}
	id, err := s.store.CommittedAt(types.Height(h))
	if err != nil {
		s.respondStoreError(w, "no committed block at height", err)
		return
	}
	s.respondBlock(w, id)
}

func (s *Server) respondBlock(w http.ResponseWriter, id types.BlockID) {
	b, err := s.store.GetBlock(id)
	if err != nil {
		s.respondStoreError(w, "block not found", err)
		return
	}
	qc, err := s.store.GetQC(id)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		s.respondStoreError(w, "certificate lookup failed", err)
		return
	}
	respondJSON(w, blockInfo(b, qc))
}

func (s *Server) handleGetSubstate(w http.ResponseWriter, r *http.Request) {
	addr, err := types.ParseSubstateAddress(mux.Vars(r)["address"])
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid address", err.Error())
		return
	}
	st, err := s.store.GetSubstate(addr)
	if err != nil {
		s.respondStoreError(w, "substate lookup failed", err)
		return
	}
	st.Address = addr
	p, err := s.store.GetPledge(addr)
	if err != nil {
		s.respondStoreError(w, "pledge lookup failed", err)
		return
	}
	respondJSON(w, substateInfo(st, p))
}

type TransactionInfo struct {
	ID       string `json:"id"`
	Fee      uint64 `json:"fee"`
	Inputs   int    `json:"inputs"`
	Outputs  int    `json:"outputs"`
	Pending  bool   `json:"pending"`
	Stage    string `json:"stage,omitempty"`
	Decision string `json:"decision,omitempty"`
}

func (s *Server) handleGetTransaction(w http.ResponseWriter, r *http.Request) {
	id, err := types.ParseTransactionID(mux.Vars(r)["id"])
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid transaction id", err.Error())
		return
	}
	var (
		tx      *types.Transaction
		pending bool
	)
	if s.mempool != nil {
		tx, pending = s.mempool.Get(id)
	}
	if tx == nil {
		if tx, err = s.store.GetTransaction(id); err != nil {
			s.respondStoreError(w, "transaction not found", err)
			return
		}
	}
	info := TransactionInfo{ID: id.String(), Fee: tx.Fee, Inputs: len(tx.Inputs), Outputs: len(tx.Outputs), Pending: pending}
	rec, err := s.store.GetPoolRecord(id)
	switch {
	case err == nil:
		info.Stage = rec.Stage.String()
		info.Decision = rec.LocalDecision.String()
		if rec.Final != types.DecisionUnknown {
			info.Decision = rec.Final.String()
		}
	case !errors.Is(err, storage.ErrNotFound):
		s.respondStoreError(w, "pool lookup failed", err)
		return
	}
	respondJSON(w, info)
}

func (s *Server) handleSubmitTransaction(w http.ResponseWriter, r *http.Request) {
	var req SubmitTransactionRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}
	tx, decision, err := req.Transaction()
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid transaction", err.Error())
		return
	}
	id, err := s.node.SubmitTransaction(tx, decision)
	if err != nil {
		respondError(w, http.StatusUnprocessableEntity, "transaction rejected", err.Error())
		return
	}
	s.log.Debugw("api_tx_submitted", "tx", id.Short(), "decision", decision.String())
	respondJSONStatus(w, http.StatusAccepted, SubmitTransactionResponse{Status: "submitted", TransactionID: id.String()})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.node.Status().Halted {
		respondJSONStatus(w, http.StatusServiceUnavailable, map[string]string{"status": "halted"})
		return
	}
	respondJSON(w, map[string]string{"status": "ok"})
}

func (s *Server) respondStoreError(w http.ResponseWriter, msg string, err error) {
	if errors.Is(err, storage.ErrNotFound) {
		respondError(w, http.StatusNotFound, msg, err.Error())
		return
	}
	s.log.Warnw("api_store_error", "err", err)
	respondError(w, http.StatusInternalServerError, msg, err.Error())
}

func respondJSON(w http.ResponseWriter, data any) {
	respondJSONStatus(w, http.StatusOK, data)
}

func respondJSONStatus(w http.ResponseWriter, code int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, code int, errMsg, message string) {
	respondJSONStatus(w, code, ErrorResponse{Error: errMsg, Message: message})
}
