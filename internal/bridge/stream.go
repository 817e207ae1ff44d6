package bridge

import (
	"context"

	"github.com/goccy/go-json"

	"chatbridge/internal/engine"
	"chatbridge/pkg/types"
)

const (
	roleAssistant      = "assistant"
	finishReasonError  = "error"
	defaultQueueSize   = 1024
	defaultFingerprint = "chatbridge"
)

// Sink receives one serialized JSON array of response objects per call. It
// is only ever called from the stream-back goroutine.
type Sink func(payload string) error

// queueItem is either a batch of engine output to translate or a list of
// responses the bridge produced itself (error streams, abort terminators).
type queueItem struct {
	outputs   []engine.Output
	responses []types.StreamResponse
}

// onEngineOutput is the callback installed in the engine.
func (b *Bridge) onEngineOutput(batch []engine.Output) {
	if len(batch) == 0 {
		return
	}
	b.enqueue(queueItem{outputs: batch})
}

func (b *Bridge) enqueue(item queueItem) {
	select {
	case b.queue <- item:
		b.metrics.queueDepth.Set(float64(len(b.queue)))
		return
	default:
	}
	select {
	case b.queue <- item:
		b.metrics.queueDepth.Set(float64(len(b.queue)))
	case <-b.quit:
		b.log.Warn().Int("outputs", len(item.outputs)).Int("responses", len(item.responses)).Msg("stream-back stopped, dropping output")
	}
}

// streamBackLoop translates queued items until upstream closes or ctx ends,
// then drains what is left.
func (b *Bridge) streamBackLoop(ctx context.Context, upstream <-chan struct{}) error {
	for {
		select {
		case item := <-b.queue:
			b.process(item)
		case <-upstream:
			b.drain()
			return nil
		case <-ctx.Done():
			b.drain()
			return ctx.Err()
		}
	}
}

func (b *Bridge) drain() {
	for {
		select {
		case item := <-b.queue:
			b.process(item)
		default:
			return
		}
	}
}

func (b *Bridge) process(item queueItem) {
	b.metrics.queueDepth.Set(float64(len(b.queue)))
	resps := item.responses
	if len(item.outputs) > 0 {
		resps = b.translate(item.outputs)
	}
	if len(resps) == 0 {
		return
	}
	payload, err := json.Marshal(resps)
	if err != nil {
		b.log.Error().Err(err).Msg("encode stream chunk")
		return
	}
	b.mu.RLock()
	sink := b.sink
	b.mu.RUnlock()
	if sink == nil {
		b.log.Warn().Msg("no sink bound, dropping stream chunk")
		return
	}
	if err := sink(string(payload)); err != nil {
		b.metrics.sinkErrors.Inc()
		b.log.Error().Err(err).Msg("sink")
		return
	}
	b.metrics.chunks.Add(float64(len(resps)))
}

// translate turns one batch of engine output into response objects. Outputs
// for ids without live state are skipped.
func (b *Bridge) translate(batch []engine.Output) []types.StreamResponse {
	out := make([]types.StreamResponse, 0, len(batch))
	for _, o := range batch {
		var resp types.StreamResponse
		var ok bool
		if o.Usage != nil {
			ok = b.states.with(o.RequestID, func(st *requestState) bool {
				resp = b.usageResponse(o.RequestID, st.model, mergeUsage(o.Usage, st))
				return true
			})
			if ok {
				b.metrics.inflight.Dec()
				b.events.Publish(Event{Name: EventFinished, RequestID: o.RequestID, Fields: map[string]any{
					"completion_tokens": resp.Usage.CompletionTokens,
				}})
			}
		} else {
			ok = b.states.with(o.RequestID, func(st *requestState) bool {
				resp = b.deltaResponse(o, st)
				return false
			})
		}
		if !ok {
			b.metrics.skipped.Inc()
			b.log.Debug().Str("request_id", o.RequestID).Msg("output for unknown request skipped")
			continue
		}
		out = append(out, resp)
	}
	return out
}

// deltaResponse builds the choices of one output positionally from its
// deltas. Runs under the state lock.
func (b *Bridge) deltaResponse(o engine.Output, st *requestState) types.StreamResponse {
	resp := types.StreamResponse{
		ID:                o.RequestID,
		Model:             st.model,
		SystemFingerprint: b.fingerprint,
		Choices:           make([]types.StreamChoice, 0, len(o.Deltas)),
	}
	for i, d := range o.Deltas {
		content := d.Text
		if i < len(st.streamers) {
			content = st.streamers[i].Put(d.TokenIDs) + d.Text
			if d.FinishReason != "" {
				content += st.streamers[i].Finish()
			}
		}
		switch {
		case len(d.TokenIDs) > 0:
			st.completionTokens += len(d.TokenIDs)
		case d.Text != "":
			st.completionTokens++
		}
		choice := types.StreamChoice{
			Index: i,
			Delta: types.Delta{Role: roleAssistant, Content: content},
		}
		if d.FinishReason != "" {
			fr := d.FinishReason
			choice.FinishReason = &fr
		}
		resp.Choices = append(resp.Choices, choice)
	}
	return resp
}

// mergeUsage prefers engine-reported counts and falls back to what the
// bridge counted itself.
func mergeUsage(u *engine.Usage, st *requestState) types.Usage {
	prompt := u.PromptTokens
	if prompt == 0 {
		prompt = st.promptTokens
	}
	completion := u.CompletionTokens
	if completion == 0 {
		completion = st.completionTokens
	}
	return types.Usage{PromptTokens: prompt, CompletionTokens: completion, TotalTokens: prompt + completion}
}

func (b *Bridge) usageResponse(id, model string, u types.Usage) types.StreamResponse {
	return types.StreamResponse{
		ID:                id,
		Model:             model,
		SystemFingerprint: b.fingerprint,
		Choices:           []types.StreamChoice{},
		Usage:             &u,
	}
}

// errorStream is the two-object stream sent for a request that failed
// before reaching the engine.
func (b *Bridge) errorStream(id, model, msg string) []types.StreamResponse {
	fr := finishReasonError
	return []types.StreamResponse{
		{
			ID:                id,
			Model:             model,
			SystemFingerprint: b.fingerprint,
			Choices: []types.StreamChoice{{
				Index:        0,
				Delta:        types.Delta{Role: roleAssistant, Content: msg},
				FinishReason: &fr,
			}},
		},
		b.usageResponse(id, model, types.Usage{}),
	}
}

// StreamBackError sends an error stream for requestID through the sink: an
// assistant delta carrying msg with finish_reason "error", then a zeroed
// usage terminator.
func (b *Bridge) StreamBackError(requestID, msg string) {
	b.enqueue(queueItem{responses: b.errorStream(requestID, b.modelName(), msg)})
}
