package agents

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"github.com/wegent/sandbox-control-plane/internal/responseprocessor"
	"github.com/wegent/sandbox-control-plane/internal/sandbox"
	"github.com/wegent/sandbox-control-plane/internal/taskstate"
)

// ValidationCheck is one image check to run, carried opaquely through
// agent_config/prompt from the validation task's metadata.
type ValidationCheck struct {
	Name   string
	Params map[string]any
}

// ValidationResult is the outcome of one check.
type ValidationResult struct {
	Valid  bool
	Reason string
}

// Validator performs the actual image inspection. Composed at the executor
// binary's composition root against whatever vision backend is configured.
type Validator interface {
	Validate(ctx context.Context, checks []ValidationCheck) ([]ValidationResult, error)
}

// ImageValidatorAgent runs a fixed battery of image checks and returns a
// single pass/fail verdict; unlike the conversational engines it never
// streams multiple turns, grounded on
// original_source/executor/agents/image_validator/image_validator_agent.py.
type ImageValidatorAgent struct {
	validator Validator
	proc      *responseprocessor.Processor
	states    *taskstate.Manager
	hooks     HooksFactory
	log       zerolog.Logger

	mu     sync.Mutex
	checks []ValidationCheck
}

func NewImageValidatorAgent(validator Validator, proc *responseprocessor.Processor, states *taskstate.Manager, hooks HooksFactory, log zerolog.Logger) *ImageValidatorAgent {
	return &ImageValidatorAgent{
		validator: validator,
		proc:      proc,
		states:    states,
		hooks:     hooks,
		log:       log.With().Str("engine", "image_validator").Logger(),
	}
}

func (v *ImageValidatorAgent) Initialize(ctx context.Context, agentConfig map[string]any) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	raw, _ := agentConfig["checks"].([]any)
	checks := make([]ValidationCheck, 0, len(raw))
	for _, item := range raw {
		m, ok := item.(map[string]any)
		if !ok {
			continue
		}
		name, _ := m["name"].(string)
		params, _ := m["params"].(map[string]any)
		checks = append(checks, ValidationCheck{Name: name, Params: params})
	}
	v.checks = checks
	return nil
}

func (v *ImageValidatorAgent) PreExecute(ctx context.Context, sb *sandbox.Sandbox, ex *sandbox.Execution) error {
	return nil
}

func (v *ImageValidatorAgent) Execute(ctx context.Context, sb *sandbox.Sandbox, ex *sandbox.Execution) responseprocessor.Outcome {
	v.mu.Lock()
	checks := v.checks
	v.mu.Unlock()

	client := &responseprocessor.OneShotClient{
		Call: func(ctx context.Context) ([]responseprocessor.Message, error) {
			results, err := v.validator.Validate(ctx, checks)
			if err != nil {
				return []responseprocessor.Message{
					{Kind: responseprocessor.MessageResult, Subtype: "error", IsError: true, Result: err.Error()},
				}, nil
			}

			allValid := true
			reasons := make([]any, 0, len(results))
			for _, r := range results {
				if !r.Valid {
					allValid = false
				}
				reasons = append(reasons, map[string]any{"valid": r.Valid, "reason": r.Reason})
			}

			return []responseprocessor.Message{
				{
					Kind:    responseprocessor.MessageResult,
					Subtype: "success",
					IsError: false,
					Result:  map[string]any{"valid": allValid, "checks": reasons},
				},
			}, nil
		},
	}

	var hooks responseprocessor.Hooks
	if v.hooks != nil {
		hooks = v.hooks(sb, ex)
	}
	return v.proc.Process(ctx, sb.TaskID(), client, v.states, hooks)
}

func (v *ImageValidatorAgent) CancelRun(taskID string) bool {
	if taskID == "" {
		return false
	}
	v.states.CancelRun(taskID)
	return true
}
