package permission

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func runHook(t *testing.T, input string) hookOutput {
	t.Helper()
	var out bytes.Buffer
	if err := RunHook(strings.NewReader(input), &out); err != nil {
		t.Fatalf("RunHook: %v", err)
	}
	var parsed hookOutput
	if err := json.Unmarshal(out.Bytes(), &parsed); err != nil {
		t.Fatalf("hook output not JSON: %v (%s)", err, out.String())
	}
	return parsed
}

const hookPayload = `{"tool_name":"Bash","tool_input":{"command":"ls"},"tool_use_id":"tu-1","session_id":"s1","cwd":"/w"}`

func TestHookSilentWhenUnsupervised(t *testing.T) {
	t.Setenv(SupervisedEnv, "")
	out := runHook(t, hookPayload)
	if out.HookSpecificOutput.PermissionDecision != "" || out.HookSpecificOutput.HookEventName != "" {
		t.Errorf("unsupervised hook produced a decision: %+v", out)
	}
}

func TestHookDeniesOnMissingFields(t *testing.T) {
	t.Setenv(SupervisedEnv, "1")
	tests := []struct {
		name  string
		input string
	}{
		{"empty object", `{}`},
		{"no session", `{"tool_name":"Bash","tool_use_id":"tu-1"}`},
		{"not json", `garbage`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := runHook(t, tt.input)
			if out.HookSpecificOutput.PermissionDecision != "deny" {
				t.Errorf("decision = %q, want deny", out.HookSpecificOutput.PermissionDecision)
			}
		})
	}
}

func TestHookAllowsWhenServerUnreachable(t *testing.T) {
	t.Setenv(SupervisedEnv, "1")
	// A port nothing listens on: connection refused, not a timeout.
	t.Setenv(ServerEnv, "http://127.0.0.1:1")

	out := runHook(t, hookPayload)
	if out.HookSpecificOutput.PermissionDecision != "allow" {
		t.Errorf("decision = %q, want allow (fail-open)", out.HookSpecificOutput.PermissionDecision)
	}
	if out.HookSpecificOutput.HookEventName != "PreToolUse" {
		t.Errorf("hookEventName = %q", out.HookSpecificOutput.HookEventName)
	}
}

func TestHookRoundTrip(t *testing.T) {
	t.Setenv(SupervisedEnv, "1")

	tests := []struct {
		name     string
		respond  string
		status   int
		want     string
	}{
		{"allow", `{"decision":"allow","reason":"user decision"}`, 200, "allow"},
		{"deny", `{"decision":"deny","reason":"user decision"}`, 200, "deny"},
		{"invalid decision", `{"decision":"maybe"}`, 200, "deny"},
		{"server error", `boom`, 500, "deny"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if r.URL.Path != "/permission/request" {
					t.Errorf("path = %q", r.URL.Path)
				}
				var body requestBody
				if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.ToolName != "Bash" {
					t.Errorf("bad forwarded body: %+v (%v)", body, err)
				}
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.respond))
			}))
			defer srv.Close()
			t.Setenv(ServerEnv, srv.URL)

			out := runHook(t, hookPayload)
			if got := out.HookSpecificOutput.PermissionDecision; got != tt.want {
				t.Errorf("decision = %q, want %q", got, tt.want)
			}
		})
	}
}
