package admin

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/ValentinKolb/rangekv/lib/backfill"
	"github.com/ValentinKolb/rangekv/lib/history"
	"github.com/ValentinKolb/rangekv/lib/region"
	"github.com/ValentinKolb/rangekv/lib/store"
	"github.com/ValentinKolb/rangekv/rpc/common"
	"github.com/ValentinKolb/rangekv/rpc/server"
	"github.com/VictoriaMetrics/metrics"
	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/lni/dragonboat/v4/logger"
	gometrics "github.com/rcrowley/go-metrics"
	"github.com/rcrowley/go-metrics/exp"
)

var Logger = logger.GetLogger("admin")

// maxValueBytes bounds the body of a put
const maxValueBytes = 16 << 20

// --------------------------------------------------------------------------
// Wire types (shared with rpc/client)
// --------------------------------------------------------------------------

// BackfillRequest starts a backfill of [Start, End) from Peer. An empty End
// stands for the end of the key space.
type BackfillRequest struct {
	Peer  common.PeerID `json:"peer"`
	Start string        `json:"start"`
	End   string        `json:"end"`
}

// BackfillStarted is the answer to a BackfillRequest
type BackfillStarted struct {
	ID backfill.SessionID `json:"id"`
}

// WriteResult is the answer to a put or delete
type WriteResult struct {
	Version history.Version `json:"version"`
}

// NodeInfo describes a node and its store view
type NodeInfo struct {
	ID      common.PeerID    `json:"id"`
	Serving region.Region    `json:"serving"`
	Store   store.Info       `json:"store"`
	Active  int              `json:"activeBackfills"`
	Type    common.StoreType `json:"storeType"`
}

// ErrorResponse is the body of every failed request
type ErrorResponse struct {
	Error string `json:"error"`
}

// --------------------------------------------------------------------------
// Server
// --------------------------------------------------------------------------

// Server is the operator HTTP api of a node
type Server struct {
	node  *server.Node
	debug bool
	http  *http.Server
}

// NewServer creates the api of node. With debug set every request is logged.
func NewServer(node *server.Node, debug bool) *Server {
	s := &Server{node: node, debug: debug}
	s.http = &http.Server{Handler: s.Handler(), ReadHeaderTimeout: 10 * time.Second}
	return s
}

// Handler returns the routes of the api
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	handle := func(pattern string, h http.HandlerFunc) {
		if s.debug {
			h = loggerMiddleware(h)
		}
		mux.HandleFunc(pattern, h)
	}

	handle("POST /backfill", s.handleStartBackfill)
	handle("GET /backfill/{id}", s.handleBackfillStatus)
	handle("GET /backfills", s.handleListBackfills)

	handle("PUT /kv/{key...}", s.handlePut)
	handle("GET /kv/{key...}", s.handleGet)
	handle("DELETE /kv/{key...}", s.handleDelete)

	handle("GET /metainfo", s.handleMetainfo)
	handle("GET /info", s.handleInfo)
	handle("GET /healthz", handleHealthz)

	mux.HandleFunc("GET /metrics", func(w http.ResponseWriter, _ *http.Request) {
		metrics.WritePrometheus(w, true)
	})
	mux.Handle("GET /debug/metrics", exp.ExpHandler(gometrics.DefaultRegistry))
	return mux
}

// Serve answers requests on l until Shutdown is called
func (s *Server) Serve(l net.Listener) error {
	Logger.Infof("admin api listening on %s", l.Addr())
	if err := s.http.Serve(l); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// ListenAndServe listens on endpoint and serves the api
func (s *Server) ListenAndServe(endpoint string) error {
	l, err := net.Listen("tcp", endpoint)
	if err != nil {
		return errors.Wrapf(err, "listen on %s", endpoint)
	}
	return s.Serve(l)
}

// Shutdown stops the api gracefully
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

// --------------------------------------------------------------------------
// Backfills
// --------------------------------------------------------------------------

func (s *Server) handleStartBackfill(w http.ResponseWriter, r *http.Request) {
	var req BackfillRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, errors.Wrap(err, "decode request"))
		return
	}
	if req.Peer == common.NilPeer {
		writeError(w, http.StatusBadRequest, errors.New("peer is required"))
		return
	}
	reg, err := server.KeySpan(req.Start, req.End)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	id, err := s.node.StartBackfill(req.Peer, reg)
	if err != nil {
		writeError(w, http.StatusConflict, err)
		return
	}
	Logger.Infof("started backfill %s of %s from %s", id, reg, req.Peer)
	writeJSON(w, http.StatusAccepted, BackfillStarted{ID: id})
}

func (s *Server) handleBackfillStatus(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, errors.Wrap(err, "invalid session id"))
		return
	}
	rep, ok := s.node.Registry().Progress(id)
	if !ok {
		writeError(w, http.StatusNotFound, errors.Newf("no backfill session %s", id))
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

func (s *Server) handleListBackfills(w http.ResponseWriter, _ *http.Request) {
	reports := s.node.Registry().List()
	if reports == nil {
		reports = []backfill.Report{}
	}
	writeJSON(w, http.StatusOK, reports)
}

// --------------------------------------------------------------------------
// Keys
// --------------------------------------------------------------------------

func (s *Server) handlePut(w http.ResponseWriter, r *http.Request) {
	value, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxValueBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, errors.Wrap(err, "read value"))
		return
	}
	v, err := s.node.Put(r.PathValue("key"), value)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, WriteResult{Version: v})
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")
	value, ok, err := s.node.Get(key)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, errors.Newf("key %q not found", key))
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(value); err != nil {
		Logger.Debugf("failed to write value of %q: %v", key, err)
	}
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	v, err := s.node.Delete(r.PathValue("key"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, WriteResult{Version: v})
}

// --------------------------------------------------------------------------
// Node state
// --------------------------------------------------------------------------

func (s *Server) handleMetainfo(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	reg, err := server.KeySpan(q.Get("start"), q.Get("end"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	meta, err := s.node.Metainfo(reg)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, meta)
}

func (s *Server) handleInfo(w http.ResponseWriter, _ *http.Request) {
	info, err := s.node.View().Info()
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, NodeInfo{
		ID:      s.node.ID(),
		Serving: s.node.Serving(),
		Store:   info,
		Active:  s.node.Registry().Active(),
		Type:    s.node.Config().StoreType,
	})
}

func handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// --------------------------------------------------------------------------
// Helpers
// --------------------------------------------------------------------------

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		Logger.Debugf("failed to write response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, ErrorResponse{Error: err.Error()})
}

// writeStoreError maps the return code of a store error to a status
func writeStoreError(w http.ResponseWriter, err error) {
	var se *store.Error
	status := http.StatusInternalServerError
	if errors.As(err, &se) {
		switch se.Code {
		case store.RetCInvalidOperation:
			status = http.StatusBadRequest
		case store.RetCUnsupportedOperation:
			status = http.StatusNotImplemented
		case store.RetCClosed:
			status = http.StatusServiceUnavailable
		}
	}
	writeError(w, status, err)
}

// --------------------------------------------------------------------------
// Middleware (logging)
// --------------------------------------------------------------------------

// responseWriter is a custom ResponseWriter that captures status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

// WriteHeader captures the status code before writing it
func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// loggerMiddleware is a middleware that logs HTTP requests
func loggerMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		rw := &responseWriter{
			ResponseWriter: w,
			statusCode:     http.StatusOK,
		}
		next.ServeHTTP(rw, r)

		Logger.Debugf("%s %s => %d took %s", r.Method, r.URL.Path, rw.statusCode, time.Since(start))
	}
}
