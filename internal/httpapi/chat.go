package httpapi

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"

	"chatbridge/pkg/types"
)

const (
	idPrefix        = "chatcmpl-"
	completionObj   = "chat.completion"
	sseDone         = "data: [DONE]\n\n"
	timeoutDrainFor = 5 * time.Second
)

// handleChatCompletions godoc
// @Summary      Create a chat completion
// @Description  Submits a chat request to the bridge. With "stream": true the response is a server-sent event stream of chat.completion.chunk objects ending with a usage chunk and "data: [DONE]".
// @Tags         chat
// @Accept       json
// @Produce      json
// @Produce      text/event-stream
// @Param        request  body      types.ChatCompletionRequest  true  "Chat request"
// @Success      200      {object}  types.ChatCompletionResponse
// @Failure      400      {object}  types.ErrorResponse
// @Failure      415      {object}  types.ErrorResponse
// @Failure      429      {object}  types.ErrorResponse
// @Failure      503      {object}  types.ErrorResponse
// @Router       /v1/chat/completions [post]
func handleChatCompletions(svc Service, hub *Hub) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ct := r.Header.Get("Content-Type")
		if ct == "" || !strings.HasPrefix(strings.ToLower(ct), "application/json") {
			writeJSONError(w, http.StatusUnsupportedMediaType, "Content-Type must be application/json")
			return
		}
		r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
		body, err := io.ReadAll(r.Body)
		if err != nil {
			var mbe *http.MaxBytesError
			if errors.As(err, &mbe) {
				writeJSONError(w, http.StatusRequestEntityTooLarge, "request body too large")
				return
			}
			writeJSONError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		if !gjson.ValidBytes(body) {
			writeJSONError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		if !allowRequest() {
			IncrementBackpressure("rate_limit")
			writeJSONError(w, http.StatusTooManyRequests, "too many requests")
			return
		}

		id := idPrefix + uuid.NewString()
		sub, err := hub.Subscribe(id)
		if err != nil {
			writeJSONError(w, http.StatusInternalServerError, err.Error())
			return
		}
		defer sub.Close()

		lvl := requestLogLevel(r)
		start := time.Now()
		stream := gjson.GetBytes(body, "stream").Bool()
		if levelAllows(lvl, zerolog.InfoLevel) {
			zlog.Info().Str("request_id", id).Bool("stream", stream).
				Str("model", gjson.GetBytes(body, "model").String()).Msg("chat start")
		}

		joinedCtx, cancel := joinContexts(serverBaseCtx, r.Context())
		defer cancel()
		ctx := joinedCtx
		if requestTimeout > 0 {
			var tcancel context.CancelFunc
			ctx, tcancel = context.WithTimeout(joinedCtx, requestTimeout)
			defer tcancel()
		}

		submitErr := svc.Submit(string(body), id)
		if submitErr != nil && !stream {
			status := statusFor(submitErr)
			writeJSONError(w, status, submitErr.Error())
			logEnd(r, lvl, id, status, start, submitErr)
			return
		}
		if stream {
			status := streamSSE(ctx, w, svc, sub, id, lvl)
			logEnd(r, lvl, id, status, start, submitErr)
			return
		}
		status, err := aggregate(ctx, w, svc, sub, id)
		logEnd(r, lvl, id, status, start, err)
	}
}

// streamSSE forwards every chunk of sub as an SSE event and ends with
// [DONE] after the usage chunk. A client that goes away aborts the request;
// a request that times out is aborted and its terminator still forwarded.
func streamSSE(ctx context.Context, w http.ResponseWriter, svc Service, sub *Subscription, id string, lvl zerolog.Level) int {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher, _ := w.(http.Flusher)
	out := io.Writer(w)
	if levelAllows(lvl, zerolog.DebugLevel) {
		out = io.MultiWriter(w, &loggingLineWriter{id: id})
	}
	flush := func() {
		if flusher != nil {
			flusher.Flush()
		}
	}
	flush()

	readCtx := ctx
	for {
		chunk, ok, err := sub.Next(readCtx)
		if err != nil {
			if readCtx == ctx && errors.Is(err, context.DeadlineExceeded) {
				_ = svc.Abort(id)
				var cancel context.CancelFunc
				readCtx, cancel = context.WithTimeout(context.Background(), timeoutDrainFor)
				defer cancel()
				continue
			}
			_ = svc.Abort(id)
			return http.StatusOK
		}
		if !ok {
			return http.StatusOK
		}
		if _, err := fmt.Fprintf(out, "data: %s\n\n", chunk); err != nil {
			_ = svc.Abort(id)
			return http.StatusOK
		}
		if gjson.GetBytes(chunk, "usage").Exists() {
			_, _ = io.WriteString(out, sseDone)
			flush()
			return http.StatusOK
		}
		flush()
	}
}

// aggregate collects the whole stream into one chat.completion object.
func aggregate(ctx context.Context, w http.ResponseWriter, svc Service, sub *Subscription, id string) (int, error) {
	type acc struct {
		content strings.Builder
		finish  string
	}
	choices := map[int]*acc{}
	resp := types.ChatCompletionResponse{ID: id, Object: completionObj}
	for {
		chunk, ok, err := sub.Next(ctx)
		if err != nil {
			_ = svc.Abort(id)
			if errors.Is(err, context.DeadlineExceeded) {
				writeJSONError(w, http.StatusGatewayTimeout, "request timed out")
				return http.StatusGatewayTimeout, err
			}
			return http.StatusOK, err
		}
		if !ok {
			break
		}
		var c types.StreamResponse
		if err := json.Unmarshal(chunk, &c); err != nil {
			writeJSONError(w, http.StatusInternalServerError, "malformed stream chunk")
			return http.StatusInternalServerError, err
		}
		resp.Model, resp.SystemFingerprint, resp.Created = c.Model, c.SystemFingerprint, c.Created
		for _, ch := range c.Choices {
			a := choices[ch.Index]
			if a == nil {
				a = &acc{}
				choices[ch.Index] = a
			}
			a.content.WriteString(ch.Delta.Content)
			if ch.FinishReason != nil {
				a.finish = *ch.FinishReason
			}
		}
		if c.Usage != nil {
			resp.Usage = *c.Usage
			break
		}
	}
	idx := make([]int, 0, len(choices))
	for i := range choices {
		idx = append(idx, i)
	}
	sort.Ints(idx)
	resp.Choices = make([]types.Choice, 0, len(idx))
	for _, i := range idx {
		resp.Choices = append(resp.Choices, types.Choice{
			Index:        i,
			Message:      types.ChatMessage{Role: "assistant", Content: choices[i].content.String()},
			FinishReason: choices[i].finish,
		})
	}
	writeJSON(w, resp)
	return http.StatusOK, nil
}

// handleAbort godoc
// @Summary      Abort a chat completion
// @Tags         chat
// @Param        id   path  string  true  "Request id (chatcmpl-...)"
// @Success      204
// @Router       /v1/chat/completions/{id} [delete]
func handleAbort(svc Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if err := svc.Abort(id); err != nil {
			writeJSONError(w, statusFor(err), err.Error())
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}
