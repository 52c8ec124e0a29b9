package engineclients

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wegent/sandbox-control-plane/internal/responseprocessor"
)

func TestAgnoClientQueryThenReceiveResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		var req openAIChatRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.Len(t, req.Messages, 2) // system instructions + user prompt
		assert.Equal(t, "system", req.Messages[0].Role)

		resp := openAIChatResponse{Choices: []openAIChoice{{Message: openAIChatMessage{Role: "assistant", Content: "42"}}}}
		json.NewEncoder(w).Encode(resp)
	}))
	defer srv.Close()

	factory := NewAgnoClientFactory(nil)
	client, err := factory(context.Background(), "sess-1", map[string]any{
		"instructions": "be terse",
		"env":          map[string]any{"api_key": "secret", "base_url": srv.URL},
	})
	require.NoError(t, err)

	require.NoError(t, client.Query(context.Background(), "sess-1", "what is the answer?"))

	stream, err := client.ReceiveResponse(context.Background())
	require.NoError(t, err)

	msg, err := stream.Next(context.Background())
	require.NoError(t, err)
	assert.Equal(t, responseprocessor.MessageAssistant, msg.Kind)
	assert.Equal(t, "42", msg.Content[0].Text)

	_, err = stream.Next(context.Background())
	require.NoError(t, err)
	_, err = stream.Next(context.Background())
	assert.ErrorIs(t, err, responseprocessor.ErrTurnComplete)
}

func TestAgnoClientSurfacesAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		json.NewEncoder(w).Encode(openAIChatResponse{Error: &openAIChatAPIError{Message: "rate limited"}})
	}))
	defer srv.Close()

	factory := NewAgnoClientFactory(nil)
	client, err := factory(context.Background(), "sess-1", map[string]any{
		"env": map[string]any{"api_key": "secret", "base_url": srv.URL},
	})
	require.NoError(t, err)

	require.NoError(t, client.Query(context.Background(), "sess-1", "hi"))
	stream, _ := client.ReceiveResponse(context.Background())
	msg, err := stream.Next(context.Background())
	require.NoError(t, err)
	assert.True(t, msg.IsError)
	assert.Equal(t, "rate limited", msg.Result)
}

func TestAgnoClientFactoryRequiresAPIKey(t *testing.T) {
	factory := NewAgnoClientFactory(nil)
	_, err := factory(context.Background(), "sess-1", map[string]any{})
	assert.Error(t, err)
}
