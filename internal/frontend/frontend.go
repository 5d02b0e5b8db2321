// Package frontend abstracts the chat service the daemon talks through.
// Task ids name conversations: "operator" is the coordinator's thread,
// every other id is a task's own thread.
package frontend

import "context"

// OperatorTask is the task id of the coordinator conversation.
const OperatorTask = "operator"

// Button is one inline action on an outgoing message.
type Button struct {
	Text         string
	CallbackData string
}

// IncomingMessage is one human input: either Text or CallbackData is set.
type IncomingMessage struct {
	TaskID       string
	Text         string
	CallbackData string
	MsgID        string
	ReplyToMsgID string
	ReplyToText  string
}

// Frontend is implemented by chat adapters.
type Frontend interface {
	// Send posts content to a task's thread and returns the message id.
	Send(ctx context.Context, taskID, content string, buttons []Button) (string, error)
	// Update edits an existing message. An empty content keeps the text
	// and replaces only the buttons.
	Update(ctx context.Context, taskID, msgID, content string, buttons []Button) error
	// Delete removes a message.
	Delete(ctx context.Context, taskID, msgID string) error
	// ShowTyping flashes a typing indicator in a task's thread.
	ShowTyping(ctx context.Context, taskID string) error
	// Incoming streams human inputs. Closed after Stop.
	Incoming() <-chan IncomingMessage
	// Stop ends polling and closes Incoming.
	Stop()
}
