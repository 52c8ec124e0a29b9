package engineclients

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/wegent/sandbox-control-plane/internal/responseprocessor"
	"github.com/wegent/sandbox-control-plane/internal/responseprocessor/agents"
)

// claudeAPIURL is Anthropic's public Messages API. claude_agent_sdk itself
// drives the `claude` CLI over an internal stream-json subprocess protocol
// (original_source/executor/agents/claude_code/claude_code_agent.py), but
// that wire format isn't part of the retrieval pack; calling the documented
// Messages API directly gives an equivalent single-turn-per-query engine
// without inventing an undocumented protocol.
const claudeAPIURL = "https://api.anthropic.com/v1/messages"

const claudeAPIVersion = "2023-06-01"

// NewClaudeCodeClientFactory returns an agents.ClientFactory that opens a
// ClaudeCodeClient per session, reading api_key/model/system_prompt out of
// the execution's agent_config, mirroring _create_and_connect_client's use
// of ClaudeAgentOptions.
func NewClaudeCodeClientFactory(httpClient *http.Client) agents.ClientFactory {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 5 * time.Minute}
	}
	return func(ctx context.Context, sessionID string, agentConfig map[string]any) (responseprocessor.Client, error) {
		apiKey, _ := agentConfig["api_key"].(string)
		if apiKey == "" {
			return nil, fmt.Errorf("engineclients: claude_code agent_config missing api_key")
		}
		model, _ := agentConfig["model"].(string)
		if model == "" {
			model = "claude-sonnet-4-5-20250929"
		}
		systemPrompt, _ := agentConfig["system_prompt"].(string)
		maxTokens := 8192
		if v, ok := agentConfig["max_tokens"].(float64); ok && v > 0 {
			maxTokens = int(v)
		}
		baseURL, _ := agentConfig["base_url"].(string)
		if baseURL == "" {
			baseURL = claudeAPIURL
		}

		return &ClaudeCodeClient{
			httpClient:   httpClient,
			apiKey:       apiKey,
			model:        model,
			systemPrompt: systemPrompt,
			maxTokens:    maxTokens,
			baseURL:      baseURL,
			sessionID:    sessionID,
		}, nil
	}
}

type claudeMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type claudeRequest struct {
	Model     string          `json:"model"`
	MaxTokens int             `json:"max_tokens"`
	System    string          `json:"system,omitempty"`
	Messages  []claudeMessage `json:"messages"`
	Stream    bool            `json:"stream"`
}

type claudeContentBlock struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type claudeUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

type claudeResponse struct {
	ID         string               `json:"id"`
	Content    []claudeContentBlock `json:"content"`
	StopReason string               `json:"stop_reason"`
	Usage      claudeUsage          `json:"usage"`
	Error      *claudeAPIError      `json:"error"`
}

type claudeAPIError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// ClaudeCodeClient implements responseprocessor.Client against Anthropic's
// Messages API, keeping the running transcript for one session_id so each
// Query appends a turn the way claude_agent_sdk keeps conversation state
// server-side.
type ClaudeCodeClient struct {
	httpClient   *http.Client
	apiKey       string
	model        string
	systemPrompt string
	maxTokens    int
	baseURL      string
	sessionID    string

	mu       sync.Mutex
	history  []claudeMessage
	pending  []responseprocessor.Message
	closed   bool
}

// Query implements responseprocessor.Client: sends the prompt as the next
// user turn and blocks for the full completion, queuing the normalized
// messages for the following ReceiveResponse call, mirroring the
// query-then-receive_response pairing in _async_execute.
func (c *ClaudeCodeClient) Query(ctx context.Context, sessionID, prompt string) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return fmt.Errorf("engineclients: claude_code client for session %s is closed", c.sessionID)
	}
	c.history = append(c.history, claudeMessage{Role: "user", Content: prompt})
	reqBody := claudeRequest{
		Model:     c.model,
		MaxTokens: c.maxTokens,
		System:    c.systemPrompt,
		Messages:  append([]claudeMessage(nil), c.history...),
	}
	c.mu.Unlock()

	body, err := json.Marshal(reqBody)
	if err != nil {
		return err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", c.apiKey)
	httpReq.Header.Set("anthropic-version", claudeAPIVersion)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	var parsed claudeResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return fmt.Errorf("decoding claude response: %w", err)
	}
	if resp.StatusCode != http.StatusOK || parsed.Error != nil {
		msg := fmt.Sprintf("claude API error %d", resp.StatusCode)
		if parsed.Error != nil {
			msg = parsed.Error.Message
		}
		c.mu.Lock()
		c.pending = []responseprocessor.Message{
			{Kind: responseprocessor.MessageResult, Subtype: "error", IsError: true, Result: msg},
		}
		c.mu.Unlock()
		return nil
	}

	var answer strings.Builder
	for _, block := range parsed.Content {
		if block.Type == "text" {
			answer.WriteString(block.Text)
		}
	}

	c.mu.Lock()
	c.history = append(c.history, claudeMessage{Role: "assistant", Content: answer.String()})
	c.pending = []responseprocessor.Message{
		{
			Kind:    responseprocessor.MessageAssistant,
			Content: []responseprocessor.ContentBlock{{Kind: responseprocessor.BlockText, Text: answer.String()}},
		},
		{
			Kind:      responseprocessor.MessageResult,
			Subtype:   "success",
			IsError:   false,
			Result:    answer.String(),
			SessionID: sessionID,
		},
	}
	c.mu.Unlock()
	return nil
}

// ReceiveResponse implements responseprocessor.Client: drains the messages
// queued by the prior Query into one Stream.
func (c *ClaudeCodeClient) ReceiveResponse(ctx context.Context) (responseprocessor.Stream, error) {
	c.mu.Lock()
	msgs := c.pending
	c.pending = nil
	c.mu.Unlock()
	return &bufferedStream{msgs: msgs}, nil
}

// Close implements session.Client.
func (c *ClaudeCodeClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

// bufferedStream replays a fixed slice of messages, then reports the turn
// complete, shared by the Claude and Agno clients' ReceiveResponse.
type bufferedStream struct {
	msgs []responseprocessor.Message
	i    int
}

func (s *bufferedStream) Next(ctx context.Context) (responseprocessor.Message, error) {
	if s.i >= len(s.msgs) {
		return responseprocessor.Message{}, responseprocessor.ErrTurnComplete
	}
	m := s.msgs[s.i]
	s.i++
	return m, nil
}
