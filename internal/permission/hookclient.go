package permission

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"time"
)

// Environment contract for the hook binary.
const (
	// SupervisedEnv gates the hook: unset means the agent runs outside the
	// daemon and the hook stays silent.
	SupervisedEnv = "AGENTHERD_SUPERVISED"
	// ServerEnv overrides the broker URL.
	ServerEnv = "PERMISSION_SERVER"
	// DefaultServerURL is where the daemon's broker listens.
	DefaultServerURL = "http://localhost:9000"
)

// hookInput is the PreToolUse payload the CLI writes to the hook's stdin.
type hookInput struct {
	ToolName  string          `json:"tool_name"`
	ToolInput json.RawMessage `json:"tool_input"`
	ToolUseID string          `json:"tool_use_id"`
	SessionID string          `json:"session_id"`
	Cwd       string          `json:"cwd"`
}

type hookSpecificOutput struct {
	HookEventName            string `json:"hookEventName,omitempty"`
	PermissionDecision       string `json:"permissionDecision,omitempty"`
	PermissionDecisionReason string `json:"permissionDecisionReason,omitempty"`
}

type hookOutput struct {
	HookSpecificOutput hookSpecificOutput `json:"hookSpecificOutput"`
}

// RunHook implements the PreToolUse hook: read the payload from in, ask
// the broker, write the decision to out. Always writes valid hook JSON
// and returns nil for normal (including deny) outcomes.
//
// Failure stance is asymmetric: an unreachable broker fails open so a
// downed daemon does not brick the agent, while a broker timeout or a
// malformed decision fails closed.
func RunHook(in io.Reader, out io.Writer) error {
	if os.Getenv(SupervisedEnv) == "" {
		return json.NewEncoder(out).Encode(hookOutput{})
	}

	emit := func(decision Decision, reason string) error {
		return json.NewEncoder(out).Encode(hookOutput{
			HookSpecificOutput: hookSpecificOutput{
				HookEventName:            "PreToolUse",
				PermissionDecision:       string(decision),
				PermissionDecisionReason: reason,
			},
		})
	}

	var input hookInput
	if err := json.NewDecoder(in).Decode(&input); err != nil {
		return emit(Deny, fmt.Sprintf("unreadable hook input: %v", err))
	}
	if input.ToolName == "" || input.ToolUseID == "" || input.SessionID == "" {
		return emit(Deny, "missing required fields in hook input")
	}
	if input.Cwd == "" {
		input.Cwd, _ = os.Getwd()
	}

	serverURL := os.Getenv(ServerEnv)
	if serverURL == "" {
		serverURL = DefaultServerURL
	}

	decision, reason := askServer(serverURL, input)
	return emit(decision, reason)
}

// askServer POSTs the request and classifies failures: connection refused
// is allow, timeout and bad payloads are deny.
func askServer(serverURL string, input hookInput) (Decision, string) {
	payload, err := json.Marshal(input)
	if err != nil {
		return Deny, fmt.Sprintf("marshal request: %v", err)
	}

	// Slightly over the broker's own wait so the server side decides first.
	client := &http.Client{Timeout: DefaultTimeout + 10*time.Second}
	resp, err := client.Post(serverURL+"/permission/request", "application/json", bytes.NewReader(payload))
	if err != nil {
		if isTimeout(err) {
			return Deny, "permission request timed out"
		}
		return Allow, fmt.Sprintf("permission server unreachable, allowing: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Deny, fmt.Sprintf("permission server error: %d", resp.StatusCode)
	}

	var body responseBody
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return Deny, fmt.Sprintf("unreadable server response: %v", err)
	}
	if body.Decision != Allow && body.Decision != Deny {
		return Deny, fmt.Sprintf("invalid decision from server: %q", body.Decision)
	}
	return body.Decision, body.Reason
}

func isTimeout(err error) bool {
	if uerr, ok := err.(*url.Error); ok {
		if uerr.Timeout() {
			return true
		}
		err = uerr.Err
	}
	if nerr, ok := err.(net.Error); ok {
		return nerr.Timeout()
	}
	return false
}
