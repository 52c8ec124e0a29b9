// Package engineclients holds the composition root's concrete
// implementations of the pluggable engine surfaces internal/responseprocessor/agents
// declares (DifyCaller, Validator) — the real HTTP backends wired in at
// cmd/executor startup, grounded on original_source/executor/agents/*'s
// actual API calls.
package engineclients

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/wegent/sandbox-control-plane/internal/responseprocessor/agents"
)

// DifyCaller implements agents.DifyCaller against a real Dify deployment's
// chat-messages API, grounded on
// original_source/executor/agents/dify/dify_agent.py's _call_chat_api: a
// streaming POST to {base_url}/v1/chat-messages, accumulating the "answer"
// field off "message"/"agent_message" SSE events and surfacing an "error"
// event as a failed call.
type DifyCaller struct {
	HTTPClient *http.Client
}

// NewDifyCaller constructs a DifyCaller with a 5-minute timeout, mirroring
// dify_agent.py's own request timeout for the streaming chat call.
func NewDifyCaller() *DifyCaller {
	return &DifyCaller{HTTPClient: &http.Client{Timeout: 5 * time.Minute}}
}

type difyChatPayload struct {
	Inputs         map[string]any `json:"inputs,omitempty"`
	Query          string         `json:"query"`
	ResponseMode   string         `json:"response_mode"`
	User           string         `json:"user"`
	ConversationID string         `json:"conversation_id,omitempty"`
	AutoGenName    bool           `json:"auto_generate_name"`
}

type difyStreamEvent struct {
	Event          string `json:"event"`
	Answer         string `json:"answer"`
	ConversationID string `json:"conversation_id"`
	Message        string `json:"message"`
}

// Call implements agents.DifyCaller.
func (c *DifyCaller) Call(ctx context.Context, req agents.DifyRequest) (agents.DifyResponse, error) {
	baseURL, _ := req.Config["base_url"].(string)
	apiKey, _ := req.Config["api_key"].(string)
	if baseURL == "" || apiKey == "" {
		return agents.DifyResponse{}, fmt.Errorf("engineclients: dify base_url/api_key not configured")
	}

	payload := difyChatPayload{
		Inputs:         req.Params,
		Query:          req.Prompt,
		ResponseMode:   "streaming",
		User:           fmt.Sprintf("task-%s", req.AppID),
		ConversationID: req.ConversationID,
		AutoGenName:    true,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return agents.DifyResponse{}, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+"/v1/chat-messages", bytes.NewReader(body))
	if err != nil {
		return agents.DifyResponse{}, err
	}
	httpReq.Header.Set("Authorization", "Bearer "+apiKey)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.HTTPClient.Do(httpReq)
	if err != nil {
		return agents.DifyResponse{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return agents.DifyResponse{}, fmt.Errorf("dify API error %d", resp.StatusCode)
	}

	var answer strings.Builder
	var conversationID string

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var evt difyStreamEvent
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &evt); err != nil {
			continue
		}
		if evt.ConversationID != "" && conversationID == "" {
			conversationID = evt.ConversationID
		}
		switch evt.Event {
		case "message", "agent_message":
			answer.WriteString(evt.Answer)
		case "error":
			return agents.DifyResponse{IsError: true, ErrorMessage: evt.Message}, nil
		}
	}
	if err := scanner.Err(); err != nil {
		return agents.DifyResponse{}, fmt.Errorf("reading dify stream: %w", err)
	}

	return agents.DifyResponse{Answer: answer.String(), ConversationID: conversationID}, nil
}
