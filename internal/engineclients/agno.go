package engineclients

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/wegent/sandbox-control-plane/internal/responseprocessor"
	"github.com/wegent/sandbox-control-plane/internal/responseprocessor/agents"
)

// openAIChatURL is the default target for AgnoClient. Agno's own
// ModelFactory (original_source/executor/agents/agno/model_factory.py)
// picks between Claude, OpenAIChat and Gemini model backends per
// agent_config["env"]["model_name"]; no Go SDK for any of agno.agent/agno.team
// exists in the retrieval pack, so this client reuses the same
// direct-HTTP-call approach as ClaudeCodeClient against OpenAI's
// documented Chat Completions API, the simplest of the three backends to
// ground without fabricating a framework.
const openAIChatURL = "https://api.openai.com/v1/chat/completions"

// NewAgnoClientFactory returns an agents.ClientFactory that opens an
// AgnoClient per session, reading api_key/model/base_url/instructions out
// of the execution's agent_config (the Go equivalent of ModelFactory's
// env-keyed config dict).
func NewAgnoClientFactory(httpClient *http.Client) agents.ClientFactory {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 5 * time.Minute}
	}
	return func(ctx context.Context, sessionID string, agentConfig map[string]any) (responseprocessor.Client, error) {
		env, _ := agentConfig["env"].(map[string]any)
		if env == nil {
			env = agentConfig
		}
		apiKey, _ := env["api_key"].(string)
		if apiKey == "" {
			return nil, fmt.Errorf("engineclients: agno agent_config missing api_key")
		}
		model, _ := env["model_name"].(string)
		if model == "" {
			model = "gpt-4o"
		}
		baseURL, _ := env["base_url"].(string)
		if baseURL == "" {
			baseURL = openAIChatURL
		}
		instructions, _ := agentConfig["instructions"].(string)

		return &AgnoClient{
			httpClient:   httpClient,
			apiKey:       apiKey,
			model:        model,
			baseURL:      baseURL,
			instructions: instructions,
			sessionID:    sessionID,
		}, nil
	}
}

type openAIChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type openAIChatRequest struct {
	Model    string              `json:"model"`
	Messages []openAIChatMessage `json:"messages"`
}

type openAIChoice struct {
	Message      openAIChatMessage `json:"message"`
	FinishReason string            `json:"finish_reason"`
}

type openAIChatResponse struct {
	Choices []openAIChoice      `json:"choices"`
	Error   *openAIChatAPIError `json:"error"`
}

type openAIChatAPIError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
}

// AgnoClient implements responseprocessor.Client against an OpenAI-compatible
// chat completions endpoint, keeping the running transcript for one
// session_id the way agno.agent.Agent keeps multi-turn memory per session.
type AgnoClient struct {
	httpClient   *http.Client
	apiKey       string
	model        string
	baseURL      string
	instructions string
	sessionID    string

	mu      sync.Mutex
	history []openAIChatMessage
	pending []responseprocessor.Message
	closed  bool
}

// Query implements responseprocessor.Client.
func (c *AgnoClient) Query(ctx context.Context, sessionID, prompt string) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return fmt.Errorf("engineclients: agno client for session %s is closed", c.sessionID)
	}
	if len(c.history) == 0 && c.instructions != "" {
		c.history = append(c.history, openAIChatMessage{Role: "system", Content: c.instructions})
	}
	c.history = append(c.history, openAIChatMessage{Role: "user", Content: prompt})
	reqBody := openAIChatRequest{Model: c.model, Messages: append([]openAIChatMessage(nil), c.history...)}
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
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	var parsed openAIChatResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return fmt.Errorf("decoding agno model response: %w", err)
	}
	if resp.StatusCode != http.StatusOK || parsed.Error != nil {
		msg := fmt.Sprintf("agno model API error %d", resp.StatusCode)
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
	if len(parsed.Choices) == 0 {
		return fmt.Errorf("engineclients: agno model returned no choices")
	}
	answer := parsed.Choices[0].Message.Content

	c.mu.Lock()
	c.history = append(c.history, openAIChatMessage{Role: "assistant", Content: answer})
	c.pending = []responseprocessor.Message{
		{
			Kind:    responseprocessor.MessageAssistant,
			Content: []responseprocessor.ContentBlock{{Kind: responseprocessor.BlockText, Text: answer}},
		},
		{
			Kind:      responseprocessor.MessageResult,
			Subtype:   "success",
			IsError:   false,
			Result:    answer,
			SessionID: sessionID,
		},
	}
	c.mu.Unlock()
	return nil
}

// ReceiveResponse implements responseprocessor.Client.
func (c *AgnoClient) ReceiveResponse(ctx context.Context) (responseprocessor.Stream, error) {
	c.mu.Lock()
	msgs := c.pending
	c.pending = nil
	c.mu.Unlock()
	return &bufferedStream{msgs: msgs}, nil
}

// Close implements session.Client.
func (c *AgnoClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}
