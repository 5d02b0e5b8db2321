package agent

import (
	"context"
	"encoding/json"
	"testing"
	"time"
)

// stub builds a Process backed by a shell script instead of the real CLI.
func stub(t *testing.T, script string) *Process {
	t.Helper()
	return New(Options{
		Command: "/bin/sh",
		Args:    []string{"-c", script},
	})
}

const initLine = `{"type":"system","subtype":"init","session_id":"sess-1","model":"m1","tools":["Read","Bash"]}`

func TestStartReturnsSessionID(t *testing.T) {
	p := stub(t, `echo '`+initLine+`'; sleep 5`)
	defer p.Stop(time.Second)

	sid, err := p.Start(context.Background())
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if sid != "sess-1" {
		t.Errorf("session id = %q, want sess-1", sid)
	}
	if p.SessionID() != "sess-1" {
		t.Errorf("SessionID() = %q", p.SessionID())
	}
	if !p.IsRunning() {
		t.Error("IsRunning false after Start")
	}
	if p.PID() == 0 {
		t.Error("PID is zero after Start")
	}

	// The init event must still be observable on the stream.
	select {
	case ev := <-p.Events():
		init, ok := ev.(SystemInit)
		if !ok {
			t.Fatalf("first event = %T, want SystemInit", ev)
		}
		if init.Model != "m1" || len(init.Tools) != 2 {
			t.Errorf("init = %+v", init)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("init event not delivered to Events()")
	}
}

func TestStartFailsWhenProcessExitsBeforeInit(t *testing.T) {
	p := stub(t, `echo '{"type":"system","subtype":"other"}'; exit 1`)
	if _, err := p.Start(context.Background()); err == nil {
		t.Fatal("Start succeeded without an init event")
	}
}

func TestSendMessageAndTurnEvents(t *testing.T) {
	p := stub(t, `
echo '`+initLine+`'
read line
echo '{"type":"assistant","message":{"id":"msg-1","model":"m1","content":[{"type":"thinking","thinking":"hm"},{"type":"text","text":"hi"},{"type":"tool_use","id":"tu-1","name":"Bash","input":{"command":"ls"}}]}}'
echo '{"type":"result","subtype":"success","result":"done","total_cost_usd":0.5,"num_turns":2,"session_id":"sess-1"}'
`)
	defer p.Stop(time.Second)

	if _, err := p.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if !p.SendMessage("hello") {
		t.Fatal("SendMessage returned false")
	}

	var got []Event
	deadline := time.After(3 * time.Second)
	for len(got) < 3 {
		select {
		case ev, ok := <-p.Events():
			if !ok {
				t.Fatalf("stream closed after %d events", len(got))
			}
			got = append(got, ev)
		case <-deadline:
			t.Fatalf("timed out after %d events", len(got))
		}
	}

	msg, ok := got[1].(AssistantMessage)
	if !ok {
		t.Fatalf("second event = %T, want AssistantMessage", got[1])
	}
	if msg.MsgID != "msg-1" || ExtractText(msg) != "hi" || !HasThinking(msg) {
		t.Errorf("assistant message = %+v", msg)
	}
	uses := ExtractToolUses(msg)
	if len(uses) != 1 || uses[0].Name != "Bash" || uses[0].ID != "tu-1" {
		t.Errorf("tool uses = %+v", uses)
	}
	var input struct {
		Command string `json:"command"`
	}
	json.Unmarshal(uses[0].Input, &input)
	if input.Command != "ls" {
		t.Errorf("tool input = %s", uses[0].Input)
	}

	res, ok := got[2].(Result)
	if !ok {
		t.Fatalf("third event = %T, want Result", got[2])
	}
	if !res.Success || res.Result != "done" || res.Cost != 0.5 || res.Turns != 2 {
		t.Errorf("result = %+v", res)
	}
}

func TestMalformedLinesAreSkipped(t *testing.T) {
	p := stub(t, `
echo '`+initLine+`'
echo 'not json at all'
echo '{"type":"result","subtype":"error","result":"bad","session_id":"sess-1"}'
`)
	defer p.Stop(time.Second)

	if _, err := p.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	var results []Result
	for ev := range p.Events() {
		if r, ok := ev.(Result); ok {
			results = append(results, r)
		}
	}
	if len(results) != 1 || results[0].Success {
		t.Errorf("results = %+v", results)
	}
}

func TestEventsChannelClosesOnExit(t *testing.T) {
	p := stub(t, `echo '`+initLine+`'`)
	if _, err := p.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	deadline := time.After(3 * time.Second)
	for {
		select {
		case _, ok := <-p.Events():
			if !ok {
				if p.IsRunning() {
					t.Error("IsRunning true after stream closed")
				}
				if p.SendMessage("late") {
					t.Error("SendMessage succeeded on a dead process")
				}
				return
			}
		case <-deadline:
			t.Fatal("stream never closed")
		}
	}
}

func TestStopKillsHangingProcess(t *testing.T) {
	p := stub(t, `trap '' TERM; echo '`+initLine+`'; sleep 60`)
	if _, err := p.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	start := time.Now()
	p.Stop(200 * time.Millisecond)
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("Stop took %s", elapsed)
	}
	if p.IsRunning() {
		t.Error("process still running after Stop")
	}
	// Idempotent.
	p.Stop(200 * time.Millisecond)
}

func TestArgvContract(t *testing.T) {
	tests := []struct {
		name string
		opts Options
		want []string
	}{
		{
			name: "fresh session",
			opts: Options{},
			want: []string{"-p", "--verbose", "--output-format", "stream-json", "--input-format", "stream-json"},
		},
		{
			name: "resume with tools",
			opts: Options{ResumeSessionID: "sess-9", AllowedTools: []string{"Read", "Bash"}},
			want: []string{"-p", "--verbose", "--output-format", "stream-json", "--input-format", "stream-json", "--resume", "sess-9", "--allowedTools", "Read,Bash"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			name, args := New(tt.opts).argv()
			if name != "claude" {
				t.Errorf("command = %q", name)
			}
			if len(args) != len(tt.want) {
				t.Fatalf("argv = %v, want %v", args, tt.want)
			}
			for i := range args {
				if args[i] != tt.want[i] {
					t.Errorf("argv[%d] = %q, want %q", i, args[i], tt.want[i])
				}
			}
		})
	}
}
