package main

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/ueisele/vraft"
	"github.com/ueisele/vraft/kv"
	"github.com/ueisele/vraft/storage"
)

const (
	maxKeySize   = 1024
	maxValueSize = 1024 * 1024
)

// Server exposes the replicated KV store over HTTP.
type Server struct {
	node   *vraft.Node
	logger *zap.Logger
}

// NotLeader is returned for writes sent to a follower.
type NotLeader struct {
	Error  string         `json:"error"`
	Leader vraft.RaftAddr `json:"leader"`
}

// NewRouter wires the API routes.
func (s *Server) NewRouter() *mux.Router {
	router := mux.NewRouter()
	router.HandleFunc("/kv/{key}", s.handlePut).Methods("PUT")
	router.HandleFunc("/kv/{key}", s.handleGet).Methods("GET")
	router.HandleFunc("/kv/{key}", s.handleDelete).Methods("DELETE")
	router.HandleFunc("/kv", s.handleList).Methods("GET")
	router.HandleFunc("/status", s.handleStatus).Methods("GET")
	router.HandleFunc("/members/{addr}", s.handleAddMember).Methods("POST")
	router.HandleFunc("/members/{addr}", s.handleRemoveMember).Methods("DELETE")
	router.HandleFunc("/leader/{addr}", s.handleTransfer).Methods("POST")
	return router
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

// writeRaftError maps replica errors onto status codes.
func (s *Server) writeRaftError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, vraft.ErrNotLeader):
		st, serr := s.node.Status()
		if serr != nil || st.Leader == 0 {
			writeError(w, http.StatusServiceUnavailable, "no leader elected")
			return
		}
		writeJSON(w, http.StatusMisdirectedRequest, NotLeader{Error: "not_leader", Leader: st.Leader})
	case errors.Is(err, vraft.ErrChangeInFlight):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, vraft.ErrAlreadyMember), errors.Is(err, vraft.ErrNotMember),
		errors.Is(err, vraft.ErrRemoveSelf), errors.Is(err, vraft.ErrEmptyValue):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		s.logger.Error("request failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func (s *Server) propose(w http.ResponseWriter, cmd kv.Command) {
	if err := s.node.Propose(cmd.Encode()); err != nil {
		s.writeRaftError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

// handlePut handles PUT /kv/{key} with body {"value": "..."}.
func (s *Server) handlePut(w http.ResponseWriter, r *http.Request) {
	key := mux.Vars(r)["key"]
	if len(key) > maxKeySize {
		writeError(w, http.StatusBadRequest, "key too large (max 1KB)")
		return
	}
	var req struct {
		Value string `json:"value"`
	}
	if err := json.NewDecoder(io.LimitReader(r.Body, maxValueSize+1024)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if len(req.Value) > maxValueSize {
		writeError(w, http.StatusBadRequest, "value too large (max 1MB)")
		return
	}
	s.propose(w, kv.Command{Type: kv.SetCommand, Key: key, Value: req.Value})
}

// handleDelete handles DELETE /kv/{key}.
func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	s.propose(w, kv.Command{Type: kv.DeleteCommand, Key: mux.Vars(r)["key"]})
}

// withStore runs fn against the state machine currently open on the replica.
func (s *Server) withStore(fn func(st *kv.Store) error) error {
	var err error
	derr := s.node.Do(func(r *vraft.Raft) {
		st, ok := r.StateMachine().(*kv.Store)
		if !ok {
			err = vraft.ErrNotStarted
			return
		}
		err = fn(st)
	})
	if derr != nil {
		return derr
	}
	return err
}

// handleGet handles GET /kv/{key}. Reads are served locally and may be stale.
func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	key := mux.Vars(r)["key"]
	var item kv.Item
	err := s.withStore(func(st *kv.Store) error {
		var err error
		item, err = st.Get(key)
		return err
	})
	switch {
	case errors.Is(err, storage.ErrNotFound):
		writeError(w, http.StatusNotFound, "key not found")
	case err != nil:
		s.writeRaftError(w, err)
	default:
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"key":     key,
			"value":   item.Value,
			"version": item.Version,
			"index":   item.Index,
		})
	}
}

// handleList handles GET /kv.
func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	var keys []string
	err := s.withStore(func(st *kv.Store) error {
		var err error
		keys, err = st.Keys()
		return err
	})
	if err != nil {
		s.writeRaftError(w, err)
		return
	}
	if keys == nil {
		keys = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"keys": keys, "count": len(keys)})
}

// handleStatus handles GET /status.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	data, err := s.node.StatusJSON()
	if err != nil {
		s.writeRaftError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(data)
}

func (s *Server) addrVar(w http.ResponseWriter, r *http.Request) (vraft.RaftAddr, bool) {
	addr, err := vraft.ParseRaftAddr(mux.Vars(r)["addr"])
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return 0, false
	}
	return addr, true
}

func (s *Server) handleAddMember(w http.ResponseWriter, r *http.Request) {
	addr, ok := s.addrVar(w, r)
	if !ok {
		return
	}
	if err := s.node.AddServer(addr); err != nil {
		s.writeRaftError(w, err)
		return
	}
	s.logger.Info("adding member", zap.Stringer("addr", addr))
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

func (s *Server) handleRemoveMember(w http.ResponseWriter, r *http.Request) {
	addr, ok := s.addrVar(w, r)
	if !ok {
		return
	}
	if err := s.node.RemoveServer(addr); err != nil {
		s.writeRaftError(w, err)
		return
	}
	s.logger.Info("removing member", zap.Stringer("addr", addr))
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

func (s *Server) handleTransfer(w http.ResponseWriter, r *http.Request) {
	addr, ok := s.addrVar(w, r)
	if !ok {
		return
	}
	transfer := s.node.LeaderTransfer
	if r.URL.Query().Get("force") == "true" {
		transfer = s.node.ForceLeaderTransfer
	}
	if err := transfer(addr); err != nil {
		s.writeRaftError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}
