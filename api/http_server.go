// Package api exposes the overlay to local clients over HTTP: store/get a
// fragment by human-readable key, inspect node status, and send a direct
// message through the host orchestrator.
package api

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/kutluhann/kadnet/dht"
	"github.com/kutluhann/kadnet/id"
	"github.com/kutluhann/kadnet/transport"
	"github.com/sirupsen/logrus"
)

var apiLog = logrus.WithField("component", "api")

// FindTimeout bounds how long handleGet waits for a fragment lookup to
// resolve before reporting it as not found.
const FindTimeout = 30 * time.Second

type StoreRequest struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

type StoreResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	KeyHash string `json:"key_hash"`
}

type GetRequest struct {
	Key string `json:"key"`
}

type GetResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
	KeyHash string `json:"key_hash"`
	Value   string `json:"value,omitempty"`
}

type SendRequest struct {
	To      string `json:"to"`
	Payload string `json:"payload"`
}

type StatusResponse struct {
	NodeID     string `json:"node_id"`
	Address    string `json:"address"`
	TCPPort    uint16 `json:"tcp_port"`
	UDPPort    uint16 `json:"udp_port"`
	KnownPeers int    `json:"known_peers"`
}

type fragmentOutcome struct {
	value []byte
	found bool
}

// Server wraps the DHT and host orchestrator, answering fragment lookups
// raised asynchronously by the collector through the pending channel
// registry below.
type Server struct {
	d    *dht.DHT
	host *transport.Host
	port int

	pendingMu sync.Mutex
	pending   map[id.FragmentId]chan fragmentOutcome
}

// NewServer wires an HTTP server. d may be nil at construction time, since
// the server itself is the DHT's fragment handler and must exist before
// dht.New runs; call SetDHT once the DHT is constructed.
func NewServer(d *dht.DHT, host *transport.Host, port int) *Server {
	return &Server{
		d:       d,
		host:    host,
		port:    port,
		pending: make(map[id.FragmentId]chan fragmentOutcome),
	}
}

// SetDHT wires the DHT after construction, resolving the Server/DHT
// circular dependency (the DHT needs this Server as its FragmentEventHandler
// before it exists).
func (s *Server) SetDHT(d *dht.DHT) { s.d = d }

// OnMessageReceived, OnNodeDiscovered and OnNodeRemoved satisfy
// transport.EventHandler; the HTTP surface has no subscribers to push these
// to, so they are logged and dropped.
func (s *Server) OnMessageReceived(from id.NodeId, payload []byte) {
	apiLog.WithField("peer", from).WithField("bytes", len(payload)).Debug("message received")
}

func (s *Server) OnNodeDiscovered(peer id.NodeId) {
	apiLog.WithField("peer", peer).Debug("node discovered")
}

func (s *Server) OnNodeRemoved(peer id.NodeId) {
	apiLog.WithField("peer", peer).Debug("node removed")
}

// OnFragmentFound and OnFragmentNotFound satisfy dht.FragmentEventHandler;
// the DHT is constructed with this server as its fragment handler.
func (s *Server) OnFragmentFound(target id.FragmentId, value []byte) {
	s.resolve(target, fragmentOutcome{value: value, found: true})
}

func (s *Server) OnFragmentNotFound(target id.FragmentId) {
	s.resolve(target, fragmentOutcome{found: false})
}

func (s *Server) resolve(target id.FragmentId, outcome fragmentOutcome) {
	s.pendingMu.Lock()
	ch, ok := s.pending[target]
	if ok {
		delete(s.pending, target)
	}
	s.pendingMu.Unlock()
	if !ok {
		return
	}
	ch <- outcome
}

func (s *Server) awaitFragment(target id.FragmentId) fragmentOutcome {
	ch := make(chan fragmentOutcome, 1)
	s.pendingMu.Lock()
	s.pending[target] = ch
	s.pendingMu.Unlock()

	s.d.FindFragment(target)

	select {
	case outcome := <-ch:
		return outcome
	case <-time.After(FindTimeout):
		s.pendingMu.Lock()
		delete(s.pending, target)
		s.pendingMu.Unlock()
		return fragmentOutcome{found: false}
	}
}

// Start begins serving on the configured port, blocking until the server
// stops or fails.
func (s *Server) Start() error {
	mux := http.NewServeMux()
	mux.HandleFunc("/store", s.handleStore)
	mux.HandleFunc("/get", s.handleGet)
	mux.HandleFunc("/send", s.handleSend)
	mux.HandleFunc("/status", s.handleStatus)
	mux.HandleFunc("/health", s.handleHealth)

	addr := fmt.Sprintf(":%d", s.port)
	return http.ListenAndServe(addr, mux)
}

func keyHash(key string) (id.FragmentId, string) {
	sum := sha256.Sum256([]byte(key))
	var b [32]byte
	copy(b[:], sum[:])
	target := id.FromBytes(b)
	return target, hex.EncodeToString(b[:])
}

func (s *Server) handleStore(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "failed to read request body", http.StatusBadRequest)
		return
	}
	var req StoreRequest
	if err := json.Unmarshal(body, &req); err != nil {
		http.Error(w, "invalid JSON", http.StatusBadRequest)
		return
	}
	if req.Key == "" || req.Value == "" {
		http.Error(w, "key and value are required", http.StatusBadRequest)
		return
	}

	target, hash := keyHash(req.Key)
	s.d.StoreFragment(target, []byte(req.Value))

	resp := StoreResponse{Success: true, Message: "store initiated", KeyHash: hash}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "failed to read request body", http.StatusBadRequest)
		return
	}
	var req GetRequest
	if err := json.Unmarshal(body, &req); err != nil {
		http.Error(w, "invalid JSON", http.StatusBadRequest)
		return
	}
	if req.Key == "" {
		http.Error(w, "key is required", http.StatusBadRequest)
		return
	}

	target, hash := keyHash(req.Key)
	outcome := s.awaitFragment(target)
	if !outcome.found {
		writeJSON(w, http.StatusNotFound, GetResponse{Success: false, Message: "not found", KeyHash: hash})
		return
	}
	writeJSON(w, http.StatusOK, GetResponse{Success: true, KeyHash: hash, Value: string(outcome.value)})
}

func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "failed to read request body", http.StatusBadRequest)
		return
	}
	var req SendRequest
	if err := json.Unmarshal(body, &req); err != nil {
		http.Error(w, "invalid JSON", http.StatusBadRequest)
		return
	}
	if req.To == "" {
		http.Error(w, "to is required", http.StatusBadRequest)
		return
	}
	to, err := id.FromHex(req.To)
	if err != nil {
		http.Error(w, fmt.Sprintf("invalid to: %v", err), http.StatusBadRequest)
		return
	}
	s.host.SendDirect(to, []byte(req.Payload))
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	resp := StatusResponse{
		NodeID:     s.d.Self.ID.String(),
		Address:    s.d.Self.Address,
		TCPPort:    s.d.Self.TCPPort,
		UDPPort:    s.d.Self.UDPPort,
		KnownPeers: s.d.Table.Total(),
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
