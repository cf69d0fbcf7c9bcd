package server

import (
	"bytes"
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
	"github.com/shaunagostinho/drostage/internal/display"
	"github.com/shaunagostinho/drostage/internal/export"
	"github.com/shaunagostinho/drostage/internal/protocol"
	"github.com/shaunagostinho/drostage/internal/session"
	"github.com/shaunagostinho/drostage/internal/telemetry"
	"github.com/shaunagostinho/drostage/internal/transport"
)

// Controller is the operator side of the stage as seen by the dashboard.
type Controller interface {
	Dispatch(ctx context.Context, cmd session.Command) error
	State() transport.State
	Seq() int
	Records() []telemetry.Record
}

// Server serves the dashboard and pushes display notifications to WebSocket
// clients. It implements display.Sink.
type Server struct {
	cfg   *Config
	ctl   Controller
	webFS fs.FS

	// base context for commands arriving over WebSocket
	ctx context.Context

	clients   map[*wsClient]struct{}
	clientsMu sync.RWMutex

	upgrader websocket.Upgrader
}

type wsClient struct {
	conn *websocket.Conn
	send chan []byte
}

// Frame is the JSON structure sent to WebSocket clients.
type Frame struct {
	Type    string          `json:"type"` // text, plot, status or state
	Pulse   *float64        `json:"pulse,omitempty"`
	DRO     *float64        `json:"dro,omitempty"` // mm
	Bounds  *display.Bounds `json:"bounds,omitempty"`
	Message string          `json:"message,omitempty"`
	State   string          `json:"state,omitempty"`
	Stamp   int64           `json:"stamp"` // Unix ms
}

// StateInfo is the body of GET /api/state.
type StateInfo struct {
	State   string            `json:"state"`
	Seq     int               `json:"seq"`
	Records int               `json:"records"`
	Latest  *telemetry.Record `json:"latest,omitempty"`
}

type reply struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// New creates a new Server.
func New(cfg *Config, ctl Controller, webFS fs.FS) *Server {
	return &Server{
		cfg:     cfg,
		ctl:     ctl,
		webFS:   webFS,
		ctx:     context.Background(),
		clients: make(map[*wsClient]struct{}),
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
	mux.HandleFunc("/api/command", s.handleCommand)
	mux.HandleFunc("/api/state", s.handleState)
	mux.HandleFunc("/api/export", s.handleExport)
	mux.HandleFunc("/api/config", s.handleConfig)
	return mux
}

// Run serves HTTP until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	s.ctx = ctx

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
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
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

	// Current connection state first
	if data, err := json.Marshal(s.stateFrame(s.ctl.State())); err == nil {
		client.send <- data
	}

	s.clientsMu.Lock()
	s.clients[client] = struct{}{}
	n := len(s.clients)
	s.clientsMu.Unlock()

	log.Printf("[ws] client connected (%d total)", n)

	// Writer goroutine
	go func() {
		defer conn.Close()
		for msg := range client.send {
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				break
			}
		}
	}()

	// Reader goroutine: each text message is one command
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
			_, msg, err := conn.ReadMessage()
			if err != nil {
				break
			}
			cmd, err := session.ParseCommand(msg)
			if err != nil {
				s.Write(err.Error())
				continue
			}
			if err := s.ctl.Dispatch(s.ctx, cmd); err != nil {
				log.Printf("[ws] %T: %v", cmd, err)
			}
		}
	}()
}

func (s *Server) handleCommand(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", 405)
		return
	}
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "bad request", 400)
		return
	}
	cmd, err := session.ParseCommand(body)
	if err != nil {
		writeJSON(w, 400, reply{Status: "error", Error: err.Error()})
		return
	}
	if err := s.ctl.Dispatch(r.Context(), cmd); err != nil {
		writeJSON(w, statusFor(err), reply{Status: "error", Error: err.Error()})
		return
	}
	writeJSON(w, 200, reply{Status: "ok"})
}

// statusFor maps a dispatch error to an HTTP status code.
func statusFor(err error) int {
	switch {
	case errors.Is(err, protocol.ErrOutOfRange), errors.Is(err, protocol.ErrOverflow),
		errors.Is(err, protocol.ErrUnknownSpeed), errors.Is(err, protocol.ErrUnknownDirection):
		return http.StatusBadRequest
	case errors.Is(err, session.ErrNotConnected), errors.Is(err, session.ErrAlreadyConnected):
		return http.StatusConflict
	case errors.Is(err, session.ErrHomingUnsupported):
		return http.StatusNotImplemented
	case errors.Is(err, transport.ErrPortOpen):
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", 405)
		return
	}
	recs := s.ctl.Records()
	info := StateInfo{
		State:   s.ctl.State().String(),
		Seq:     s.ctl.Seq(),
		Records: len(recs),
	}
	if len(recs) > 0 {
		latest := recs[len(recs)-1]
		info.Latest = &latest
	}
	writeJSON(w, 200, info)
}

func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", 405)
		return
	}
	var buf bytes.Buffer
	if err := export.WriteCSV(&buf, s.ctl.Records()); err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", `attachment; filename="`+export.Filename(time.Now())+`"`)
	w.Write(buf.Bytes())
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
		// Serial and display changes apply on the next connect or restart
		writeJSON(w, 200, reply{Status: "ok"})

	default:
		http.Error(w, "method not allowed", 405)
	}
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

// UpdateText pushes the rounded position to clients.
func (s *Server) UpdateText(pulse, dro float64) {
	s.broadcast(Frame{Type: "text", Pulse: &pulse, DRO: &dro, Stamp: time.Now().UnixMilli()})
}

// UpdatePlot pushes one plot sample with the running bounds.
func (s *Server) UpdatePlot(pulse, dro float64, b display.Bounds) {
	s.broadcast(Frame{Type: "plot", Pulse: &pulse, DRO: &dro, Bounds: &b, Stamp: time.Now().UnixMilli()})
}

// Write pushes a status line.
func (s *Server) Write(msg string) {
	s.broadcast(Frame{Type: "status", Message: msg, Stamp: time.Now().UnixMilli()})
}

// PushState pushes a connection state change.
func (s *Server) PushState(st transport.State) {
	s.broadcast(s.stateFrame(st))
}

func (s *Server) stateFrame(st transport.State) Frame {
	return Frame{Type: "state", State: st.String(), Stamp: time.Now().UnixMilli()}
}

// Clients returns the number of connected WebSocket clients.
func (s *Server) Clients() int {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	return len(s.clients)
}

func (s *Server) broadcast(frame Frame) {
	data, err := json.Marshal(frame)
	if err != nil {
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
