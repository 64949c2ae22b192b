package llm

import "context"

// ModelCallRecorder receives the outcome of each model call. Satisfied by
// telemetry.Metrics.
type ModelCallRecorder interface {
	RecordModelCall(role, status string, inputTokens, outputTokens int)
}

// Instrument wraps a client so every Chat outcome is recorded under the
// given role ("primary" or "auxiliary"). recorder and tracker may each be
// nil to skip that sink.
func Instrument(inner Client, role string, recorder ModelCallRecorder, tracker *UsageTracker) Client {
	return &instrumentedClient{inner: inner, role: role, recorder: recorder, tracker: tracker}
}

type instrumentedClient struct {
	inner    Client
	role     string
	recorder ModelCallRecorder
	tracker  *UsageTracker
}

func (c *instrumentedClient) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	resp, err := c.inner.Chat(ctx, req)
	if err != nil {
		if c.recorder != nil {
			c.recorder.RecordModelCall(c.role, "error", 0, 0)
		}
		return nil, err
	}
	if c.recorder != nil {
		c.recorder.RecordModelCall(c.role, "ok", resp.Usage.InputTokens, resp.Usage.OutputTokens)
	}
	if c.tracker != nil {
		c.tracker.Record(c.role, resp.Usage)
	}
	return resp, nil
}
