package responseprocessor

import "context"

// OneShotClient adapts a single request/response round trip into the
// streaming Client/Stream contract, for agent engines (Dify, ImageValidator)
// that do not themselves emit a multi-message turn. Call performs the work
// and returns the Messages to emit for this one turn, ending with exactly
// one terminal ResultMessage.
type OneShotClient struct {
	Call func(ctx context.Context) ([]Message, error)
}

// Query is a no-op: one-shot engines have no in-band API-error retry path.
func (c *OneShotClient) Query(ctx context.Context, sessionID, prompt string) error {
	return nil
}

func (c *OneShotClient) ReceiveResponse(ctx context.Context) (Stream, error) {
	msgs, err := c.Call(ctx)
	if err != nil {
		return nil, err
	}
	return &sliceStream{msgs: msgs}, nil
}

type sliceStream struct {
	msgs []Message
	i    int
}

func (s *sliceStream) Next(ctx context.Context) (Message, error) {
	if s.i >= len(s.msgs) {
		return Message{}, ErrTurnComplete
	}
	m := s.msgs[s.i]
	s.i++
	return m, nil
}
