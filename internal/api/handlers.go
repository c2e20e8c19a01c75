package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/zde37/kadvault/internal/quorum"
	"github.com/zde37/kadvault/internal/record"
	"github.com/zde37/kadvault/pkg"
	"github.com/zde37/kadvault/pkg/hash"
)

type recordView struct {
	Key         string `json:"key"`
	Kind        string `json:"kind"`
	Size        int    `json:"size"`
	ContentHash string `json:"content_hash"`
	Payload     []byte `json:"payload"`
}

func viewOf(rec record.StoredRecord) recordView {
	return recordView{
		Key:         rec.Key.String(),
		Kind:        rec.Kind.String(),
		Size:        len(rec.Payload),
		ContentHash: rec.ContentHash().String(),
		Payload:     rec.Payload,
	}
}

type fetchView struct {
	Key      string       `json:"key"`
	State    string       `json:"state"`
	Rounds   int          `json:"rounds"`
	Merged   bool         `json:"merged,omitempty"`
	Record   *recordView  `json:"record,omitempty"`
	Conflict []recordView `json:"conflict,omitempty"`
}

type peerView struct {
	ID   string `json:"id"`
	Addr string `json:"addr"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// statusFor maps node errors to HTTP codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, pkg.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, pkg.ErrValidationFailed):
		return http.StatusBadRequest
	case errors.Is(err, pkg.ErrUnderPriced):
		return http.StatusPaymentRequired
	case errors.Is(err, pkg.ErrCapacityExceeded):
		return http.StatusInsufficientStorage
	case errors.Is(err, pkg.ErrQuorumNotReached):
		return http.StatusServiceUnavailable
	case errors.Is(err, pkg.ErrStoreClosed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func keyFrom(r *http.Request) (hash.Key, error) {
	return hash.ParseKey(mux.Vars(r)["key"])
}

func policyFrom(r *http.Request) (quorum.Policy, bool, error) {
	v := r.URL.Query().Get("policy")
	if v == "" {
		return quorum.Majority, false, nil
	}
	p, err := quorum.ParsePolicy(v)
	return p, true, err
}

// healthHandler handles health check requests.
func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) nodeHandler(w http.ResponseWriter, r *http.Request) {
	self := s.node.Self()
	writeJSON(w, http.StatusOK, map[string]any{
		"id":    self.ID.String(),
		"addr":  self.Addr,
		"store": s.node.StoreStats(),
		"peers": len(s.node.Peers()),
	})
}

// recordHandler returns the local copy, or with ?policy= the network's.
func (s *Server) recordHandler(w http.ResponseWriter, r *http.Request) {
	key, err := keyFrom(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	policy, network, err := policyFrom(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if !network {
		rec, err := s.node.LocalRecord(r.Context(), key)
		if err != nil {
			writeError(w, statusFor(err), err.Error())
			return
		}
		writeJSON(w, http.StatusOK, viewOf(rec))
		return
	}

	res, err := s.node.Fetch(r.Context(), key, policy)
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}

	out := fetchView{
		Key:    res.Key.String(),
		State:  res.State.String(),
		Rounds: res.Rounds,
		Merged: res.Merged,
	}
	if res.State != quorum.StateSplitDetected {
		v := viewOf(res.Record)
		out.Record = &v
	}
	for _, rec := range res.Conflict {
		out.Conflict = append(out.Conflict, viewOf(rec))
	}
	writeJSON(w, http.StatusOK, out)
}

// uploadHandler stores the request body as a chunk across the close group.
func (s *Server) uploadHandler(w http.ResponseWriter, r *http.Request) {
	policy, _, err := policyFrom(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.cfg.MaxUpload))
	if err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, err.Error())
		return
	}
	if len(body) == 0 {
		writeError(w, http.StatusBadRequest, "empty body")
		return
	}

	rec := record.NewChunk(body)
	res, err := s.node.Upload(r.Context(), rec, policy)
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}

	stored := make([]string, 0, len(res.Stored))
	for _, id := range res.Stored {
		stored = append(stored, id.String())
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"key":      rec.Key.String(),
		"outcome":  res.Outcome.String(),
		"stored":   stored,
		"required": res.Required,
		"rounds":   res.Rounds,
	})
}

func (s *Server) quoteHandler(w http.ResponseWriter, r *http.Request) {
	key, err := keyFrom(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	q, err := s.node.Quote(r.Context(), key)
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"id":        q.ID,
		"key":       q.Key.String(),
		"peer":      q.Peer.String(),
		"price":     q.Price,
		"timestamp": q.Timestamp,
		"metrics":   q.Metrics,
	})
}

func (s *Server) peersHandler(w http.ResponseWriter, r *http.Request) {
	ps := s.node.Peers()
	out := make([]peerView, 0, len(ps))
	for _, p := range ps {
		out = append(out, peerView{ID: p.ID.String(), Addr: p.Addr})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) badPeersHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.node.BadPeers())
}

func (s *Server) replicationHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.node.Replication())
}
