package bridge

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chatbridge/internal/engine"
	"chatbridge/internal/modeltest"
	"chatbridge/pkg/types"
)

func TestSubmitCreatesOneEntryWithNStreamers(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.b.Submit(`{"n":3,"messages":[{"role":"user","content":"hi"}]}`, "r1"))

	n, ok := h.b.states.numStreamers("r1")
	require.True(t, ok)
	assert.Equal(t, 3, n)
	assert.Equal(t, 1, h.b.Inflight())

	reqs := h.eng.requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, "r1", reqs[0].ID)
	assert.Contains(t, reqs[0].Text(), "<|user|> hi")
	assert.Equal(t, []string{EventAdmitted}, h.events.Names("r1"))
}

func TestSubmitResolvesEngineDefaults(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.b.Submit(helloRequest, "r1"))

	want := h.eng.defaults
	want.Seed = testSeed
	want.StopStrs = []string{modeltest.StopString}
	want.StopTokenIDs = []int32{modeltest.EOSID}
	assert.Equal(t, want, h.eng.requests()[0].Config)
}

func TestSubmitRequestFieldsOverrideDefaults(t *testing.T) {
	h := newHarness(t)
	body := `{"messages":[{"role":"user","content":"hi"}],"temperature":0,"top_p":0.5,"seed":7,"max_tokens":5,
		"logprobs":true,"top_logprobs":2,"logit_bias":{"42":-3.5},"response_format":{"type":"json_object","schema":"{}"}}`
	require.NoError(t, h.b.Submit(body, "r1"))

	cfg := h.eng.requests()[0].Config
	assert.Equal(t, 0.0, cfg.Temperature)
	assert.Equal(t, 0.5, cfg.TopP)
	assert.Equal(t, int64(7), cfg.Seed)
	assert.Equal(t, 5, cfg.MaxTokens)
	assert.True(t, cfg.Logprobs)
	assert.Equal(t, 2, cfg.TopLogprobs)
	assert.Equal(t, map[int32]float64{42: -3.5}, cfg.LogitBias)
	assert.Equal(t, engine.ResponseFormat{Type: "json_object", Schema: "{}"}, cfg.ResponseFormat)
}

func TestStopStringsTemplateFirst(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.b.Submit(`{"stop":["X", "<|end|>"],"messages":[{"role":"user","content":"hi"}]}`, "r1"))
	cfg := h.eng.requests()[0].Config
	assert.Equal(t, []string{modeltest.StopString, "X", modeltest.StopString}, cfg.StopStrs)
	assert.Equal(t, []int32{modeltest.EOSID}, cfg.StopTokenIDs)
}

func TestSubmitMissingMessagesStreamsError(t *testing.T) {
	h := newHarness(t)
	err := h.b.Submit(`{"model":"m"}`, "bad")
	require.Error(t, err)
	assert.True(t, IsValidation(err))
	assert.Equal(t, 0, h.b.Inflight())
	assert.Empty(t, h.eng.requests())

	chunks := h.rec.waitFor(t, "bad", 2)
	require.Len(t, chunks, 2)
	first, last := chunks[0], chunks[1]
	require.Len(t, first.Choices, 1)
	assert.Equal(t, 0, first.Choices[0].Index)
	assert.Equal(t, "assistant", first.Choices[0].Delta.Role)
	assert.Equal(t, err.Error(), first.Choices[0].Delta.Content)
	require.NotNil(t, first.Choices[0].FinishReason)
	assert.Equal(t, "error", *first.Choices[0].FinishReason)
	assert.Nil(t, first.Usage)
	assert.Equal(t, "m", first.Model)

	assert.Empty(t, last.Choices)
	require.NotNil(t, last.Usage)
	assert.Equal(t, types.Usage{}, *last.Usage)
}

func TestSubmitValidationFailures(t *testing.T) {
	cases := map[string]string{
		"invalid json":           `{"messages":`,
		"negative temperature":   `{"temperature":-1,"messages":[{"role":"user","content":"hi"}]}`,
		"zero top_p":             `{"top_p":0,"messages":[{"role":"user","content":"hi"}]}`,
		"top_p above one":        `{"top_p":1.5,"messages":[{"role":"user","content":"hi"}]}`,
		"zero n":                 `{"n":0,"messages":[{"role":"user","content":"hi"}]}`,
		"n too large":            `{"n":4611686018427387904,"messages":[{"role":"user","content":"hi"}]}`,
		"n above limit":          `{"n":129,"messages":[{"role":"user","content":"hi"}]}`,
		"zero max_tokens":        `{"max_tokens":0,"messages":[{"role":"user","content":"hi"}]}`,
		"penalty out of range":   `{"presence_penalty":2.5,"messages":[{"role":"user","content":"hi"}]}`,
		"top_logprobs no flag":   `{"top_logprobs":3,"messages":[{"role":"user","content":"hi"}]}`,
		"top_logprobs too large": `{"logprobs":true,"top_logprobs":21,"messages":[{"role":"user","content":"hi"}]}`,
		"logit bias range":       `{"logit_bias":{"5":200},"messages":[{"role":"user","content":"hi"}]}`,
		"logit bias key":         `{"logit_bias":{"abc":1},"messages":[{"role":"user","content":"hi"}]}`,
		"response format type":   `{"response_format":{"type":"xml"},"messages":[{"role":"user","content":"hi"}]}`,
		"schema without json":    `{"response_format":{"type":"text","schema":"{}"},"messages":[{"role":"user","content":"hi"}]}`,
		"missing role":           `{"messages":[{"content":"hi"}]}`,
		"empty messages":         `{"messages":[]}`,
		"special none":           `{"debug_config":{"special_request":"none"}}`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			h := newHarness(t)
			err := h.b.Submit(body, "r")
			require.Error(t, err)
			assert.True(t, IsValidation(err), "got %v", err)
			assert.Equal(t, 0, h.b.Inflight())
			assert.Empty(t, h.eng.requests())
			chunks := h.rec.waitFor(t, "r", 2)
			assert.Len(t, chunks, 2)
		})
	}
}

func TestValidationMessagesNameTheField(t *testing.T) {
	h := newHarness(t)
	err := h.b.Submit(`{"temperature":-1,"messages":[{"role":"user","content":"hi"}]}`, "r")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "temperature")

	err = h.b.Submit(`{"messages":[{"content":"hi"}]}`, "r2")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "messages[0].role")
}

func TestTranslationErrorPropagatesVerbatim(t *testing.T) {
	h := newHarness(t)
	err := h.b.Submit(`{"messages":[{"role":"tool","content":"hi"}]}`, "r1")
	require.Error(t, err)
	assert.True(t, IsTranslation(err))
	assert.Equal(t, `unsupported role "tool"`, err.Error())
	assert.Empty(t, h.eng.requests())

	chunks := h.rec.waitFor(t, "r1", 2)
	assert.Equal(t, `unsupported role "tool"`, chunks[0].Choices[0].Delta.Content)
}

func TestControlRequestSkipsPrompt(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.b.Submit(`{"debug_config":{"special_request":"query_engine_metrics"}}`, "ctl"))
	reqs := h.eng.requests()
	require.Len(t, reqs, 1)
	assert.Empty(t, reqs[0].Inputs)
	assert.Equal(t, "query_engine_metrics", reqs[0].Config.Debug.SpecialRequest)
}

func TestSubmitBeforeReload(t *testing.T) {
	eng := newFakeEngine()
	rec := &recorder{}
	b := New(eng)
	require.NoError(t, b.Initialize("cpu", rec.sink))
	go func() { _ = b.RunBackgroundStreamBackLoop(context.Background()) }()
	t.Cleanup(b.ExitBackgroundLoop)

	err := b.Submit(helloRequest, "r1")
	require.Error(t, err)
	assert.True(t, IsModelNotLoaded(err))
	chunks := rec.waitFor(t, "r1", 2)
	assert.Equal(t, "model not loaded", chunks[0].Choices[0].Delta.Content)
}

func TestSubmitRequiresID(t *testing.T) {
	h := newHarness(t)
	err := h.b.Submit(helloRequest, "")
	assert.True(t, IsValidation(err))
	assert.Empty(t, h.eng.requests())
}

func TestDuplicateIDDoesNotDisturbLiveStream(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.b.Submit(helloRequest, "r1"))
	err := h.b.Submit(helloRequest, "r1")
	require.Error(t, err)
	assert.True(t, IsValidation(err))
	assert.Len(t, h.eng.requests(), 1)
	assert.Equal(t, 1, h.b.Inflight())

	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, h.rec.forID("r1"))
}

func TestEngineRejectionRemovesState(t *testing.T) {
	h := newHarness(t)
	h.eng.addErr = errors.New("queue full")
	err := h.b.Submit(helloRequest, "r1")
	require.Error(t, err)
	assert.True(t, IsEngine(err))
	assert.Contains(t, err.Error(), "queue full")
	assert.Equal(t, 0, h.b.Inflight())
	h.rec.waitFor(t, "r1", 2)
}

func TestAbortIsIdempotent(t *testing.T) {
	h := newHarness(t)
	assert.NoError(t, h.b.Abort("never-submitted"))
	assert.NoError(t, h.b.Abort("never-submitted"))

	require.NoError(t, h.b.Submit(helloRequest, "r1"))
	assert.NoError(t, h.b.Abort("r1"))
	assert.NoError(t, h.b.Abort("r1"))
	assert.Equal(t, 0, h.b.Inflight())
	assert.Contains(t, h.eng.aborted, "r1")

	chunks := h.rec.waitFor(t, "r1", 1)
	time.Sleep(20 * time.Millisecond)
	chunks = h.rec.forID("r1")
	require.Len(t, chunks, 1)
	assert.Empty(t, chunks[0].Choices)
	require.NotNil(t, chunks[0].Usage)
	assert.Equal(t, []string{EventAdmitted, EventAborted}, h.events.Names("r1"))
}

func TestAbortTerminatorCountsGeneratedTokens(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.b.Submit(helloRequest, "r1"))
	ids := h.tok.Encode("Hello there")
	h.eng.emit(engine.Output{RequestID: "r1", Deltas: []engine.Delta{{TokenIDs: ids}}})
	h.rec.waitFor(t, "r1", 1)

	require.NoError(t, h.b.Abort("r1"))
	chunks := h.rec.waitFor(t, "r1", 2)
	u := chunks[1].Usage
	require.NotNil(t, u)
	assert.Equal(t, len(ids), u.CompletionTokens)
	assert.Greater(t, u.PromptTokens, 0)
	assert.Equal(t, u.PromptTokens+u.CompletionTokens, u.TotalTokens)
}

func TestReloadFailureKeepsPriorState(t *testing.T) {
	h := newHarness(t)
	before := h.b.Status()
	require.Equal(t, "ready", before.State)

	broken := modeltest.WriteRaw(t, t.TempDir(), "broken", []byte(`{"conv_template": {"roles": {}}}`))
	err := h.b.Reload(modeltest.EngineConfig(broken))
	require.Error(t, err)
	assert.True(t, IsConfigLoad(err))
	assert.Contains(t, err.Error(), `missing "user"`)

	err = h.b.Reload(`{"device":"cpu"}`)
	require.Error(t, err)
	assert.True(t, IsConfigLoad(err))

	h.eng.reloadErr = errors.New("out of memory")
	err = h.b.Reload(modeltest.EngineConfig(modeltest.Default(t)))
	require.Error(t, err)
	assert.True(t, IsEngine(err))

	after := h.b.Status()
	assert.Equal(t, before.Model, after.Model)
	assert.Equal(t, before.ModelPath, after.ModelPath)
	require.NoError(t, h.b.Submit(helloRequest, "still-works"))
}

func TestReloadRestoresEngineWhenResolvedModelFails(t *testing.T) {
	h := newHarness(t)
	before := h.b.Status()

	broken := modeltest.WriteRaw(t, t.TempDir(), "broken", []byte(`{"conv_template": {"roles": {}}}`))
	h.eng.mu.Lock()
	h.eng.redirect = broken
	h.eng.mu.Unlock()

	other := modeltest.Write(t, t.TempDir(), "other-model", modeltest.ChatConfig())
	err := h.b.Reload(modeltest.EngineConfig(other))
	require.Error(t, err)
	assert.True(t, IsConfigLoad(err))

	assert.Equal(t, h.path, h.eng.GetCompleteEngineConfig().Model, "engine is back on the served model")
	assert.Equal(t, before.ModelPath, h.b.Status().ModelPath)
	require.NoError(t, h.b.Submit(helloRequest, "still-works"))
}

func TestReloadUnloadsEngineWhenNothingWasServed(t *testing.T) {
	eng := newFakeEngine()
	b := New(eng)
	require.NoError(t, b.Initialize("cpu", (&recorder{}).sink))

	eng.redirect = modeltest.WriteRaw(t, t.TempDir(), "broken", []byte(`{"conv_template": {"roles": {}}}`))
	err := b.Reload(modeltest.EngineConfig(modeltest.Default(t)))
	require.Error(t, err)
	assert.True(t, IsConfigLoad(err))
	eng.mu.Lock()
	assert.Equal(t, 1, eng.unloads)
	eng.mu.Unlock()
	assert.False(t, b.Ready())
}

func TestRequestCanDisableDefaultLogprobs(t *testing.T) {
	h := newHarness(t)
	h.eng.mu.Lock()
	h.eng.defaults.Logprobs = true
	h.eng.mu.Unlock()
	require.NoError(t, h.b.Reload(modeltest.EngineConfig(h.path)))

	require.NoError(t, h.b.Submit(`{"logprobs":false,"messages":[{"role":"user","content":"hi"}]}`, "off"))
	require.NoError(t, h.b.Submit(helloRequest, "inherit"))
	reqs := h.eng.requests()
	require.Len(t, reqs, 2)
	assert.False(t, reqs[0].Config.Logprobs)
	assert.True(t, reqs[1].Config.Logprobs)
}

func TestReloadSwapsModel(t *testing.T) {
	h := newHarness(t)
	other := modeltest.Write(t, t.TempDir(), "other-model", modeltest.ChatConfig())
	require.NoError(t, h.b.Reload(modeltest.EngineConfig(other)))
	assert.Equal(t, "other-model", h.b.Status().Model)

	require.NoError(t, h.b.Submit(helloRequest, "r1"))
	h.eng.emit(engine.Output{RequestID: "r1", Usage: &engine.Usage{}})
	chunks := h.rec.waitFor(t, "r1", 1)
	assert.Equal(t, "other-model", chunks[0].Model)
}

func TestUnloadRejectsUntilReload(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.b.Unload())
	assert.False(t, h.b.Ready())
	assert.Equal(t, 1, h.eng.unloads)
	assert.True(t, IsModelNotLoaded(h.b.Submit(helloRequest, "r1")))

	require.NoError(t, h.b.Reload(modeltest.EngineConfig(h.path)))
	assert.True(t, h.b.Ready())
	assert.NoError(t, h.b.Submit(helloRequest, "r2"))
}

func TestResetTerminatesLiveStreams(t *testing.T) {
	h := newHarness(t)
	for i := 0; i < 3; i++ {
		require.NoError(t, h.b.Submit(helloRequest, fmt.Sprintf("r%d", i)))
	}
	require.NoError(t, h.b.Reset())
	assert.Equal(t, 1, h.eng.resets)
	assert.Equal(t, 0, h.b.Inflight())
	for i := 0; i < 3; i++ {
		chunks := h.rec.waitFor(t, fmt.Sprintf("r%d", i), 1)
		assert.NotNil(t, chunks[len(chunks)-1].Usage)
	}
}

func TestInitializeRejectsNilSink(t *testing.T) {
	b := New(newFakeEngine())
	assert.Error(t, b.Initialize("cpu", nil))
}

func TestStreamBackLoopStopsOnExit(t *testing.T) {
	b := New(newFakeEngine())
	require.NoError(t, b.Initialize("cpu", (&recorder{}).sink))
	done := make(chan error, 1)
	go func() { done <- b.RunBackgroundStreamBackLoop(context.Background()) }()
	b.ExitBackgroundLoop()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("loop did not stop")
	}
}

func TestStreamBackLoopStopsOnCancel(t *testing.T) {
	b := New(newFakeEngine())
	require.NoError(t, b.Initialize("cpu", (&recorder{}).sink))
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- b.RunBackgroundStreamBackLoop(ctx) }()
	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("loop did not stop")
	}
}

func TestStatusCounters(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.b.Submit(helloRequest, "ok"))
	_ = h.b.Submit(`{}`, "bad")
	require.NoError(t, h.b.Abort("ok"))
	st := h.b.Status()
	assert.Equal(t, uint64(1), st.SubmittedTotal)
	assert.Equal(t, uint64(1), st.RejectedTotal)
	assert.Equal(t, uint64(1), st.AbortedTotal)
	assert.Equal(t, "cpu", st.Device)
	assert.Equal(t, 64, st.QueueCap)
}
