package responseprocessor

import (
	"context"
	"errors"
)

// BlockKind tags one content block inside a User/Assistant message.
type BlockKind string

const (
	BlockText       BlockKind = "text"
	BlockToolUse    BlockKind = "tool_use"
	BlockToolResult BlockKind = "tool_result"
)

// ContentBlock is a normalized view over an engine's native content-block
// types (Claude's TextBlock/ToolUseBlock/ToolResultBlock and Agno/Dify's
// equivalents), grounded on the block handling in
// original_source/executor/agents/claude_code/response_processor.go's
// _handle_user_message/_handle_assistant_message.
type ContentBlock struct {
	Kind       BlockKind
	Text       string
	ToolUseID  string
	ToolName   string
	ToolInput  map[string]any
	IsError    bool
}

// MessageKind is the Go equivalent of the claude_agent_sdk.types message
// union (SystemMessage/UserMessage/AssistantMessage/ResultMessage).
type MessageKind string

const (
	MessageSystem    MessageKind = "system"
	MessageUser      MessageKind = "user"
	MessageAssistant MessageKind = "assistant"
	MessageResult    MessageKind = "result"
)

// Message is one event off an engine's response stream.
type Message struct {
	Kind MessageKind

	// SystemMessage
	Subtype    string
	SystemData map[string]any

	// UserMessage / AssistantMessage
	Content []ContentBlock

	// ResultMessage
	SessionID string
	IsError   bool
	Result    any // string, map[string]any, or nil
}

// ErrTurnComplete signals the current call to ReceiveResponse has no more
// messages — the Go equivalent of the `async for` loop over
// client.receive_response() running dry. The outer Process loop opens a
// fresh Stream for the next turn (used after a retry requery).
var ErrTurnComplete = errors.New("responseprocessor: turn complete")

// Stream yields one turn's worth of Messages in arrival order.
type Stream interface {
	Next(ctx context.Context) (Message, error)
}

// Client is the narrow surface ResponseProcessor needs from an agent
// engine's SDK client: send a follow-up query on an existing session (used
// by the in-band API-error retry) and open the stream for the next turn.
type Client interface {
	Query(ctx context.Context, sessionID, prompt string) error
	ReceiveResponse(ctx context.Context) (Stream, error)
}
