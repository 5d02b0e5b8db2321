package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/nextlevelbuilder/agentherd/internal/agent"
	"github.com/nextlevelbuilder/agentherd/internal/registry"
	"github.com/nextlevelbuilder/agentherd/internal/supervisor"
)

func TestHandleAgentEventDispatch(t *testing.T) {
	d, fc := newTestDaemon(t)
	d.store.AddTask("fix-auth", registry.Task{Type: registry.TypeSession, Path: "/w/fix-auth"})
	ctx := context.Background()
	event := func(ev agent.Event) supervisor.NamedEvent {
		return supervisor.NamedEvent{Task: "fix-auth", Event: ev}
	}

	d.handleAgentEvent(ctx, event(agent.SystemInit{SessionID: "sess-1"}))
	task, _ := d.store.GetTask("fix-auth")
	if task.SessionID != "sess-1" {
		t.Errorf("session after init = %q", task.SessionID)
	}

	// The CLI re-announces the id after internal rotation; every init
	// re-tracks, not just the first.
	d.handleAgentEvent(ctx, event(agent.SystemInit{SessionID: "sess-2"}))
	task, _ = d.store.GetTask("fix-auth")
	if task.SessionID != "sess-2" {
		t.Errorf("session after second init = %q", task.SessionID)
	}
	if len(fc.sent) != 0 {
		t.Errorf("init produced chat traffic: %+v", fc.sent)
	}

	d.handleAgentEvent(ctx, event(agent.AssistantMessage{MsgID: "msg-1", Content: []agent.ContentBlock{
		{Type: "thinking", Thinking: "hm"},
		{Type: "text", Text: "done - ok"},
		{Type: "tool_use", ID: "tu-1", Name: "Bash", Input: json.RawMessage(`{"command":"ls"}`)},
	}}))
	if len(fc.sent) != 1 {
		t.Fatalf("sends after assistant message = %d, want 1", len(fc.sent))
	}
	if fc.sent[0].taskID != "fix-auth" || fc.sent[0].content != `done \- ok` {
		t.Errorf("forwarded message = %+v", fc.sent[0])
	}

	// Tool-only messages and results stay out of the chat.
	d.handleAgentEvent(ctx, event(agent.AssistantMessage{MsgID: "msg-2", Content: []agent.ContentBlock{
		{Type: "tool_use", ID: "tu-2", Name: "Read", Input: json.RawMessage(`{"file_path":"/etc/hosts"}`)},
	}}))
	d.handleAgentEvent(ctx, event(agent.Result{Success: true, Cost: 0.1, Turns: 1}))
	if len(fc.sent) != 1 {
		t.Errorf("tool-only/result events produced chat traffic: %+v", fc.sent[1:])
	}

	d.handleAgentEvent(ctx, event(agent.ProcessError{Err: errors.New("broken pipe")}))
	if len(fc.sent) != 2 || !strings.Contains(fc.sent[1].content, "Process error") {
		t.Errorf("error notice = %+v", fc.sent[1:])
	}
}

func TestDrainInitTurnStopsAtFirstResult(t *testing.T) {
	d, _ := newTestDaemon(t)
	proc := agent.New(agent.Options{Command: "/bin/sh", Args: []string{"-c", `
echo '{"type":"system","subtype":"init","session_id":"sess-1","model":"m1"}'
read line
echo '{"type":"assistant","message":{"id":"msg-1","model":"m1","content":[{"type":"text","text":"welcome"}]}}'
echo '{"type":"result","subtype":"success","result":"done","total_cost_usd":0.1,"num_turns":1,"session_id":"sess-1"}'
echo '{"type":"assistant","message":{"id":"msg-2","model":"m1","content":[{"type":"text","text":"after"}]}}'
cat >/dev/null
`}})
	defer proc.Stop(time.Second)

	if _, err := proc.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if !proc.SendMessage("hello") {
		t.Fatal("SendMessage returned false")
	}

	d.drainInitTurn(proc)

	// The drain swallowed init, the first response and the Result; the
	// next observable event is the post-drain assistant message.
	select {
	case ev, ok := <-proc.Events():
		if !ok {
			t.Fatal("events channel closed after drain")
		}
		msg, isMsg := ev.(agent.AssistantMessage)
		if !isMsg || agent.ExtractText(msg) != "after" {
			t.Errorf("first event after drain = %#v", ev)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("no event after drain")
	}
}

func TestDrainInitTurnReturnsOnProcessExit(t *testing.T) {
	d, _ := newTestDaemon(t)
	proc := agent.New(agent.Options{Command: "/bin/sh", Args: []string{"-c",
		`echo '{"type":"system","subtype":"init","session_id":"sess-1","model":"m1"}'`}})

	if _, err := proc.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	done := make(chan struct{})
	go func() {
		d.drainInitTurn(proc)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("drain did not return after the process exited")
	}
}
