package permission

import (
	"encoding/json"
	"testing"
	"time"
)

func TestAutoAllow(t *testing.T) {
	b := NewBroker(time.Second)
	for _, tool := range []string{"Read", "Grep", "Glob", "TodoRead", "TodoWrite"} {
		t.Run(tool, func(t *testing.T) {
			start := time.Now()
			decision, _ := b.Request(tool, nil, "tu-"+tool, "sess-1", "/w")
			if decision != Allow {
				t.Errorf("decision = %q", decision)
			}
			if time.Since(start) > 100*time.Millisecond {
				t.Error("auto-allow blocked")
			}
		})
	}

	// Auto-allowed tools never create pending records or notifications.
	if _, ok := b.Pending("tu-Read"); ok {
		t.Error("auto-allowed tool left a pending record")
	}
	select {
	case n := <-b.Notifications():
		t.Errorf("unexpected notification: %+v", n)
	default:
	}
}

func TestRequestRespond(t *testing.T) {
	b := NewBroker(5 * time.Second)
	input := json.RawMessage(`{"command":"ls"}`)

	type result struct {
		decision Decision
		reason   string
	}
	done := make(chan result, 1)
	go func() {
		d, r := b.Request("Bash", input, "tu-1", "sess-1", "/w")
		done <- result{d, r}
	}()

	// The notification announces the request once it is pending.
	select {
	case n := <-b.Notifications():
		if n.ToolUseID != "tu-1" || n.SessionID != "sess-1" {
			t.Errorf("notification = %+v", n)
		}
	case <-time.After(time.Second):
		t.Fatal("no notification")
	}

	p, ok := b.Pending("tu-1")
	if !ok || p.ToolName != "Bash" || p.Cwd != "/w" {
		t.Fatalf("Pending = %+v, %v", p, ok)
	}

	if !b.Respond("tu-1", Allow, "user decision") {
		t.Fatal("Respond returned false")
	}
	select {
	case r := <-done:
		if r.decision != Allow || r.reason != "user decision" {
			t.Errorf("request returned %+v", r)
		}
	case <-time.After(time.Second):
		t.Fatal("Request did not unblock")
	}

	// The record is gone after resolution; late responses return false.
	time.Sleep(50 * time.Millisecond)
	if _, ok := b.Pending("tu-1"); ok {
		t.Error("pending record survived resolution")
	}
	if b.Respond("tu-1", Deny, "late") {
		t.Error("Respond after resolution returned true")
	}
}

func TestSecondRespondIsRejected(t *testing.T) {
	b := NewBroker(5 * time.Second)
	go b.Request("Bash", nil, "tu-1", "sess-1", "/w")
	<-b.Notifications()

	if !b.Respond("tu-1", Allow, "first") {
		t.Fatal("first Respond returned false")
	}
	if b.Respond("tu-1", Deny, "second") {
		t.Error("second Respond returned true")
	}
}

func TestRequestTimeout(t *testing.T) {
	b := NewBroker(100 * time.Millisecond)
	decision, reason := b.Request("Bash", nil, "tu-1", "sess-1", "/w")
	if decision != Deny {
		t.Errorf("decision = %q, want deny", decision)
	}
	if reason != "Permission request timed out" {
		t.Errorf("reason = %q", reason)
	}
	if _, ok := b.Pending("tu-1"); ok {
		t.Error("pending record survived timeout")
	}
}

func TestRespondByMessage(t *testing.T) {
	b := NewBroker(5 * time.Second)
	done := make(chan Decision, 1)
	go func() {
		d, _ := b.Request("Write", nil, "tu-1", "sess-1", "/w")
		done <- d
	}()
	<-b.Notifications()

	// Unmapped and unknown message ids resolve nothing.
	if b.RespondByMessage("42", Allow, "") {
		t.Error("RespondByMessage before registration returned true")
	}

	b.RegisterChatMessage("tu-1", "42")
	p, _ := b.Pending("tu-1")
	if p.ChatMsgID != "42" {
		t.Errorf("ChatMsgID = %q", p.ChatMsgID)
	}

	if !b.RespondByMessage("42", Deny, "user decision") {
		t.Fatal("RespondByMessage returned false")
	}
	select {
	case d := <-done:
		if d != Deny {
			t.Errorf("decision = %q", d)
		}
	case <-time.After(time.Second):
		t.Fatal("Request did not unblock")
	}
}

func TestRegisterChatMessageUnknownID(t *testing.T) {
	b := NewBroker(time.Second)
	// Must not create a mapping for a request that is not pending.
	b.RegisterChatMessage("ghost", "42")
	if b.RespondByMessage("42", Allow, "") {
		t.Error("mapping created for unknown request")
	}
}

func TestConcurrentRequests(t *testing.T) {
	b := NewBroker(5 * time.Second)
	done := make(chan Decision, 2)
	go func() {
		d, _ := b.Request("Bash", nil, "tu-1", "sess-1", "/w")
		done <- d
	}()
	go func() {
		d, _ := b.Request("Write", nil, "tu-2", "sess-2", "/w")
		done <- d
	}()
	<-b.Notifications()
	<-b.Notifications()

	// Each resolution lands on its own record.
	if !b.Respond("tu-1", Allow, "") || !b.Respond("tu-2", Deny, "") {
		t.Fatal("Respond failed")
	}
	got := map[Decision]int{}
	for i := 0; i < 2; i++ {
		select {
		case d := <-done:
			got[d]++
		case <-time.After(time.Second):
			t.Fatal("requests did not unblock")
		}
	}
	if got[Allow] != 1 || got[Deny] != 1 {
		t.Errorf("decisions = %v", got)
	}
}
