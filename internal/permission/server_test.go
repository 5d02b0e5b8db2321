package permission

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func newTestHandler(timeout time.Duration) (*Broker, http.Handler) {
	b := NewBroker(timeout)
	s := &Server{broker: b}
	mux := http.NewServeMux()
	mux.HandleFunc("/permission/request", s.handleRequest)
	return b, mux
}

func TestServerRejectsBadRequests(t *testing.T) {
	_, h := newTestHandler(time.Second)

	tests := []struct {
		name   string
		method string
		body   string
		want   int
	}{
		{"wrong method", http.MethodGet, "", http.StatusMethodNotAllowed},
		{"invalid json", http.MethodPost, "{", http.StatusBadRequest},
		{"missing tool_name", http.MethodPost, `{"tool_use_id":"tu-1","session_id":"s1"}`, http.StatusBadRequest},
		{"missing tool_use_id", http.MethodPost, `{"tool_name":"Bash","session_id":"s1"}`, http.StatusBadRequest},
		{"missing session_id", http.MethodPost, `{"tool_name":"Bash","tool_use_id":"tu-1"}`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, "/permission/request", strings.NewReader(tt.body))
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			if rec.Code != tt.want {
				t.Errorf("status = %d, want %d", rec.Code, tt.want)
			}
		})
	}
}

func TestServerBlocksUntilDecision(t *testing.T) {
	b, h := newTestHandler(5 * time.Second)

	go func() {
		n := <-b.Notifications()
		b.Respond(n.ToolUseID, Allow, "user decision")
	}()

	body := `{"tool_name":"Bash","tool_input":{"command":"ls"},"tool_use_id":"tu-1","session_id":"s1","cwd":"/w"}`
	req := httptest.NewRequest(http.MethodPost, "/permission/request", strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body)
	}
	var resp responseBody
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	if resp.Decision != Allow || resp.Reason != "user decision" {
		t.Errorf("response = %+v", resp)
	}
}

func TestServerTimesOutToDeny(t *testing.T) {
	_, h := newTestHandler(100 * time.Millisecond)

	body := `{"tool_name":"Bash","tool_use_id":"tu-1","session_id":"s1"}`
	req := httptest.NewRequest(http.MethodPost, "/permission/request", strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var resp responseBody
	json.Unmarshal(rec.Body.Bytes(), &resp)
	if resp.Decision != Deny {
		t.Errorf("decision = %q, want deny", resp.Decision)
	}
}
