package permission

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
)

// requestBody is what the hook POSTs.
type requestBody struct {
	ToolName  string          `json:"tool_name"`
	ToolInput json.RawMessage `json:"tool_input"`
	ToolUseID string          `json:"tool_use_id"`
	SessionID string          `json:"session_id"`
	Cwd       string          `json:"cwd"`
}

// responseBody is what the hook gets back.
type responseBody struct {
	Decision Decision `json:"decision"`
	Reason   string   `json:"reason"`
}

// Server exposes the broker to hooks over localhost HTTP.
type Server struct {
	broker *Broker
	http   *http.Server
}

// NewServer builds the HTTP front for a broker.
func NewServer(broker *Broker, host string, port int) *Server {
	s := &Server{broker: broker}
	mux := http.NewServeMux()
	mux.HandleFunc("/permission/request", s.handleRequest)
	s.http = &http.Server{
		Addr:    net.JoinHostPort(host, fmt.Sprint(port)),
		Handler: mux,
	}
	return s
}

// Start listens and serves on its own goroutine. The returned error covers
// listen failures only; serve errors after a successful bind are logged.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.http.Addr)
	if err != nil {
		return fmt.Errorf("permission server listen: %w", err)
	}
	slog.Info("permission server listening", "addr", s.http.Addr)
	go func() {
		if err := s.http.Serve(ln); err != nil && err != http.ErrServerClosed {
			slog.Error("permission server stopped", "error", err)
		}
	}()
	return nil
}

// Shutdown stops accepting connections. In-flight hook waits are cut off.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

func (s *Server) handleRequest(w http.ResponseWriter, r *http.Request) {
	defer func() {
		if rec := recover(); rec != nil {
			slog.Error("permission handler panic", "panic", rec)
			http.Error(w, "internal error", http.StatusInternalServerError)
		}
	}()

	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var body requestBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "bad request body", http.StatusBadRequest)
		return
	}
	if body.ToolName == "" || body.ToolUseID == "" || body.SessionID == "" {
		http.Error(w, "missing required fields", http.StatusBadRequest)
		return
	}

	decision, reason := s.broker.Request(body.ToolName, body.ToolInput, body.ToolUseID, body.SessionID, body.Cwd)

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(responseBody{Decision: decision, Reason: reason})
}
