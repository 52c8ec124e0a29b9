package agents

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"github.com/wegent/sandbox-control-plane/internal/responseprocessor"
	"github.com/wegent/sandbox-control-plane/internal/sandbox"
	"github.com/wegent/sandbox-control-plane/internal/taskstate"
)

// DifyRequest is one call into the external Dify application, carrying the
// per-task conversation for multi-turn continuity.
type DifyRequest struct {
	AppID          string
	ConversationID string
	Prompt         string
	Params         map[string]any
	Config         map[string]any
}

// DifyResponse is the result of one Dify call.
type DifyResponse struct {
	Answer         string
	ConversationID string
	IsError        bool
	ErrorMessage   string
}

// DifyCaller performs the actual HTTP call to Dify's API. Composed at the
// executor binary's composition root with a real HTTP client.
type DifyCaller interface {
	Call(ctx context.Context, req DifyRequest) (DifyResponse, error)
}

// DifyAgent is a lightweight proxy to Dify's external chatbot/workflow/
// agent/chatflow API: unlike the local engines it runs no code itself, it
// delegates computation to Dify's cloud service, grounded on
// original_source/executor/agents/dify/dify_agent.py. Conversation
// continuity per task mirrors that file's `_conversations` cache, scoped
// here to one field per Agent instance since AgentService already caches
// one instance per task_id.
type DifyAgent struct {
	caller DifyCaller
	proc   *responseprocessor.Processor
	states *taskstate.Manager
	hooks  HooksFactory
	log    zerolog.Logger

	mu             sync.Mutex
	appID          string
	params         map[string]any
	config         map[string]any
	conversationID string
}

func NewDifyAgent(caller DifyCaller, proc *responseprocessor.Processor, states *taskstate.Manager, hooks HooksFactory, log zerolog.Logger) *DifyAgent {
	return &DifyAgent{
		caller: caller,
		proc:   proc,
		states: states,
		hooks:  hooks,
		log:    log.With().Str("engine", "dify").Logger(),
	}
}

func (d *DifyAgent) Initialize(ctx context.Context, agentConfig map[string]any) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.config = agentConfig
	if appID, ok := agentConfig["app_id"].(string); ok {
		d.appID = appID
	}
	if params, ok := agentConfig["params"].(map[string]any); ok {
		d.params = params
	}
	return nil
}

func (d *DifyAgent) PreExecute(ctx context.Context, sb *sandbox.Sandbox, ex *sandbox.Execution) error {
	return nil
}

func (d *DifyAgent) Execute(ctx context.Context, sb *sandbox.Sandbox, ex *sandbox.Execution) responseprocessor.Outcome {
	d.mu.Lock()
	req := DifyRequest{
		AppID:          d.appID,
		ConversationID: d.conversationID,
		Prompt:         ex.Prompt,
		Params:         d.params,
		Config:         d.config,
	}
	d.mu.Unlock()

	client := &responseprocessor.OneShotClient{
		Call: func(ctx context.Context) ([]responseprocessor.Message, error) {
			resp, err := d.caller.Call(ctx, req)
			if err != nil {
				return nil, err
			}

			d.mu.Lock()
			if resp.ConversationID != "" {
				d.conversationID = resp.ConversationID
			}
			d.mu.Unlock()

			if resp.IsError {
				return []responseprocessor.Message{
					{Kind: responseprocessor.MessageResult, Subtype: "error", IsError: true, Result: resp.ErrorMessage},
				}, nil
			}
			return []responseprocessor.Message{
				{
					Kind:    responseprocessor.MessageAssistant,
					Content: []responseprocessor.ContentBlock{{Kind: responseprocessor.BlockText, Text: resp.Answer}},
				},
				{Kind: responseprocessor.MessageResult, Subtype: "success", IsError: false, Result: resp.Answer},
			}, nil
		},
	}

	var hooks responseprocessor.Hooks
	if d.hooks != nil {
		hooks = d.hooks(sb, ex)
	}
	return d.proc.Process(ctx, sb.TaskID(), client, d.states, hooks)
}

func (d *DifyAgent) CancelRun(taskID string) bool {
	if taskID == "" {
		return false
	}
	d.states.CancelRun(taskID)
	return true
}
