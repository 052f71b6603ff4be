package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"io/fs"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/shaunagostinho/groundstation/internal/link"
	"github.com/shaunagostinho/groundstation/internal/protocol"
	"github.com/shaunagostinho/groundstation/internal/recorder"
	"github.com/shaunagostinho/groundstation/internal/station"
	"github.com/shaunagostinho/groundstation/internal/telemetry"
)

// Server samples the station on a fixed cadence and pushes the result to
// WebSocket clients. Operator commands come back over the same socket or
// the REST API.
type Server struct {
	cfg      *Config
	station  *station.Station
	webFS    fs.FS
	recorder *recorder.Recorder

	// ListPorts enumerates serial devices for /api/ports.
	ListPorts func() ([]link.PortInfo, error)

	clients   map[*wsClient]struct{}
	clientsMu sync.RWMutex

	upgrader websocket.Upgrader

	// console text last pushed, so unchanged tabs are not resent
	lastSerial   string
	lastMessages string
}

type wsClient struct {
	conn *websocket.Conn
	send chan []byte
}

// Frame is the JSON structure sent to all WebSocket clients.
type Frame struct {
	Telemetry *telemetry.Snapshot `json:"telemetry,omitempty"`
	Stale     bool                `json:"stale"`
	StaleMs   int64               `json:"staleMs"` // -1 before the first message
	Links     map[string]LinkInfo `json:"links,omitempty"`
	Serial    *string             `json:"serial,omitempty"`
	Messages  *string             `json:"messages,omitempty"`
	Config    json.RawMessage     `json:"config,omitempty"`
	Error     string              `json:"error,omitempty"`
	Stamp     int64               `json:"stamp"` // Unix ms
}

// LinkInfo is the per-port liveness indicator.
type LinkInfo struct {
	Stale   bool  `json:"stale"`
	StaleMs int64 `json:"staleMs"`
}

// Inbound is a client request over the WebSocket.
type Inbound struct {
	Send  string `json:"send,omitempty"`
	Motor *int   `json:"motor,omitempty"`
}

// HistoryResponse is returned by /api/history.
type HistoryResponse struct {
	Plots    map[string][]protocol.JSONFloat `json:"plots"`
	Serial   []string                        `json:"serial"`
	Messages []string                        `json:"messages"`
	Stamp    int64                           `json:"stamp"`
}

// New creates a new Server.
func New(cfg *Config, st *station.Station, webFS fs.FS) *Server {
	return &Server{
		cfg:       cfg,
		station:   st,
		webFS:     webFS,
		recorder:  recorder.New(cfg.Logging),
		ListPorts: link.ListPorts,
		clients:   make(map[*wsClient]struct{}),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Handler returns the HTTP routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// Serve embedded web files
	if s.webFS != nil {
		mux.Handle("/", http.FileServer(http.FS(s.webFS)))
	}

	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/api/config", s.handleConfig)
	mux.HandleFunc("/api/send", s.handleSend)
	mux.HandleFunc("/api/motor", s.handleMotor)
	mux.HandleFunc("/api/history", s.handleHistory)
	mux.HandleFunc("/api/ports", s.handlePorts)
	return mux
}

// Run starts the HTTP server and the sampling loop.
func (s *Server) Run(ctx context.Context) error {
	go s.sampleLoop(ctx)

	srv := &http.Server{
		Addr:    s.cfg.Server.ListenAddr,
		Handler: s.Handler(),
	}

	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutCtx)
	}()

	log.Printf("[server] listening on %s", s.cfg.Server.ListenAddr)
	err := srv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[ws] upgrade error: %v", err)
		return
	}

	client := &wsClient{
		conn: conn,
		send: make(chan []byte, 64),
	}

	s.clientsMu.Lock()
	s.clients[client] = struct{}{}
	n := len(s.clients)
	s.clientsMu.Unlock()

	log.Printf("[ws] client connected (%d total)", n)

	// New clients get the config and the full consoles straight away.
	initial := s.buildFrame(s.station.Now(), true)
	if cfgJSON, err := s.cfg.ToJSON(); err == nil {
		initial.Config = cfgJSON
	}
	if data, err := json.Marshal(initial); err == nil {
		client.send <- data
	}

	// Writer goroutine
	go func() {
		defer conn.Close()
		for msg := range client.send {
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				break
			}
		}
	}()

	// Reader goroutine: operator commands
	go func() {
		defer func() {
			s.clientsMu.Lock()
			delete(s.clients, client)
			n := len(s.clients)
			close(client.send)
			s.clientsMu.Unlock()
			log.Printf("[ws] client disconnected (%d total)", n)
		}()
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				break
			}
			var in Inbound
			if err := json.Unmarshal(data, &in); err != nil {
				log.Printf("[ws] bad request: %v", err)
				continue
			}
			if err := s.dispatch(in); err != nil {
				reply := Frame{Error: err.Error(), Stamp: time.Now().UnixMilli()}
				if data, err := json.Marshal(reply); err == nil {
					select {
					case client.send <- data:
					default:
					}
				}
			}
		}
	}()
}

func (s *Server) dispatch(in Inbound) error {
	if in.Motor != nil {
		return s.station.SetMotorPower(*in.Motor)
	}
	if in.Send != "" {
		return s.station.Send(in.Send)
	}
	return nil
}

func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		data, err := s.cfg.ToJSON()
		if err != nil {
			http.Error(w, err.Error(), 500)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(data)

	case http.MethodPost:
		body, err := io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, "bad request", 400)
			return
		}
		if err := s.cfg.UpdateFromJSON(body); err != nil {
			http.Error(w, err.Error(), 400)
			return
		}
		if err := s.cfg.Save(); err != nil {
			log.Printf("[config] save failed: %v", err)
		}
		s.recorder.SetEnabled(s.cfg.Logging.Enabled)

		if cfgJSON, err := s.cfg.ToJSON(); err == nil {
			s.broadcast(Frame{Config: cfgJSON, Stamp: time.Now().UnixMilli()})
		}

		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})

	default:
		http.Error(w, "method not allowed", 405)
	}
}

func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", 405)
		return
	}
	var req struct {
		Command string `json:"command"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Command == "" {
		http.Error(w, "bad request", 400)
		return
	}
	s.replySend(w, s.station.Send(req.Command))
}

func (s *Server) handleMotor(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", 405)
		return
	}
	var req struct {
		Power *int `json:"power"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Power == nil {
		http.Error(w, "bad request", 400)
		return
	}
	s.replySend(w, s.station.SetMotorPower(*req.Power))
}

func (s *Server) replySend(w http.ResponseWriter, err error) {
	var we *link.WriteError
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	case errors.Is(err, station.ErrInvalidMotorPower):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.As(err, &we), errors.Is(err, link.ErrNotRunning):
		http.Error(w, err.Error(), http.StatusBadGateway)
	default:
		// e.g. a command containing the frame delimiter
		http.Error(w, err.Error(), http.StatusBadRequest)
	}
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", 405)
		return
	}
	plots := make(map[string][]protocol.JSONFloat)
	for name, vs := range s.station.Plots.Export() {
		plots[name] = protocol.JSONFloats(vs)
	}
	writeJSON(w, http.StatusOK, HistoryResponse{
		Plots:    plots,
		Serial:   s.station.Serial.Lines(),
		Messages: s.station.Messages.Lines(),
		Stamp:    time.Now().UnixMilli(),
	})
}

func (s *Server) handlePorts(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", 405)
		return
	}
	ports, err := s.ListPorts()
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	writeJSON(w, http.StatusOK, ports)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	data, err := json.Marshal(v)
	if err != nil {
		log.Printf("[server] encode %T: %v", v, err)
		http.Error(w, "encode response", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(append(data, '\n'))
}

// sampleLoop is the dashboard cadence: sample plots, record, push.
func (s *Server) sampleLoop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.History.SampleInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.recorder.Close()
			return
		case <-ticker.C:
			s.tick(s.station.Now())
		}
	}
}

func (s *Server) tick(now time.Time) {
	s.station.Sample(now)
	s.recorder.Record(s.station.State.Snapshot(), now)
	s.broadcast(s.buildFrame(now, false))
}

// buildFrame snapshots the station. Console text is included when full
// is set or when it changed since the last push.
func (s *Server) buildFrame(now time.Time, full bool) Frame {
	snap := s.station.State.Snapshot()
	threshold := s.station.StaleAfter()

	frame := Frame{Stamp: now.UnixMilli(), StaleMs: -1, Stale: true}
	if snap.Updates > 0 {
		frame.Telemetry = snap
		age := snap.Staleness(now)
		frame.StaleMs = age.Milliseconds()
		frame.Stale = age >= threshold
		frame.Links = make(map[string]LinkInfo, len(snap.Links))
		for name := range snap.Links {
			la := snap.LinkStaleness(name, now)
			frame.Links[name] = LinkInfo{Stale: la >= threshold, StaleMs: la.Milliseconds()}
		}
	}

	serial := s.station.Serial.String()
	messages := s.station.Messages.String()
	if full {
		frame.Serial, frame.Messages = &serial, &messages
		return frame
	}

	s.clientsMu.Lock()
	if serial != s.lastSerial {
		s.lastSerial = serial
		frame.Serial = &serial
	}
	if messages != s.lastMessages {
		s.lastMessages = messages
		frame.Messages = &messages
	}
	s.clientsMu.Unlock()
	return frame
}

func (s *Server) broadcast(frame Frame) {
	data, err := json.Marshal(frame)
	if err != nil {
		log.Printf("[ws] marshal frame: %v", err)
		return
	}

	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()

	for client := range s.clients {
		select {
		case client.send <- data:
		default:
			// Client too slow, skip
		}
	}
}
