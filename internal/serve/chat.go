package serve

import (
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/samsaffron/claude-proxy/internal/llm"
)

// chatRun carries what the three completion paths share.
type chatRun struct {
	id           string
	model        string
	created      int64
	messages     []llm.Message
	includeUsage bool
}

func (s *Server) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	if err := requireJSONContentType(r); err != nil {
		writeOpenAIError(w, http.StatusUnsupportedMediaType, "invalid_request_error", err.Error())
		return
	}

	var req chatCompletionsRequest
	if err := decodeJSONBody(r, &req); err != nil {
		writeOpenAIError(w, http.StatusBadRequest, "invalid_request_error", err.Error())
		return
	}
	messages, err := parseChatMessages(req.Messages)
	if err != nil {
		writeOpenAIError(w, http.StatusBadRequest, "invalid_request_error", err.Error())
		return
	}
	tools, err := parseTools(req.Tools)
	if err != nil {
		writeOpenAIError(w, http.StatusBadRequest, "invalid_request_error", err.Error())
		return
	}

	run := chatRun{
		id:       newCompletionID(),
		model:    strings.TrimSpace(req.Model),
		created:  time.Now().Unix(),
		messages: messages,
	}
	if run.model == "" {
		run.model = s.cfg.ModelID
	}
	if req.StreamOptions != nil {
		run.includeUsage = req.StreamOptions.IncludeUsage
	}
	w.Header().Set("X-Request-Id", run.id)

	toolMode := llm.UseToolMode(tools)
	log.Info().
		Str("id", run.id).
		Str("model", run.model).
		Int("messages", len(messages)).
		Int("tools", len(tools)).
		Bool("stream", req.Stream).
		Msg("chat completion")

	switch {
	case toolMode:
		s.toolCompletion(w, r, run, tools, req.Stream)
	case req.Stream:
		s.streamCompletion(w, r, run)
	default:
		s.blockingCompletion(w, r, run)
	}
}

func (s *Server) blockingCompletion(w http.ResponseWriter, r *http.Request, run chatRun) {
	text, err := s.backend.Complete(r.Context(), run.messages)
	if err != nil {
		log.Error().Err(err).Str("id", run.id).Msg("claude completion failed")
		writeBackendError(w, err)
		return
	}
	u := estimateUsage(run.messages, text)
	writeJSON(w, http.StatusOK, chatCompletionResponse(run.id, run.model, run.created, &text, nil, u))
}

func (s *Server) toolCompletion(w http.ResponseWriter, r *http.Request, run chatRun, tools []llm.ToolSpec, stream bool) {
	doc, err := s.backend.RunTools(r.Context(), run.messages, tools)
	if err != nil {
		log.Error().Err(err).Str("id", run.id).Msg("claude tool completion failed")
		writeBackendError(w, err)
		return
	}
	content, calls, err := llm.DecodeStructuredReply(doc)
	if err != nil {
		log.Error().Err(err).Str("id", run.id).Msg("claude returned a malformed tool reply")
		writeBackendError(w, err)
		return
	}
	if content == nil && len(calls) == 0 {
		empty := ""
		content = &empty
	}

	text := ""
	if content != nil {
		text = *content
	}
	log.Info().
		Str("id", run.id).
		Bool("content", text != "").
		Int("tool_calls", len(calls)).
		Msg("tool response")

	u := estimateUsage(run.messages, text)
	if !stream {
		writeJSON(w, http.StatusOK, chatCompletionResponse(run.id, run.model, run.created, content, calls, u))
		return
	}
	s.replayAsStream(w, run, text, calls, u)
}

// replayAsStream sends an already complete tool-mode reply as SSE chunks.
func (s *Server) replayAsStream(w http.ResponseWriter, run chatRun, text string, calls []llm.ToolCall, u usage) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeOpenAIError(w, http.StatusInternalServerError, "server_error", "streaming not supported")
		return
	}
	setSSEHeaders(w)
	w.WriteHeader(http.StatusOK)

	_ = writeChatStreamChunk(w, run.chunk(map[string]any{"role": "assistant"}, nil))
	if text != "" {
		_ = writeChatStreamChunk(w, run.chunk(map[string]any{"content": text}, nil))
	}
	finishReason := "stop"
	if len(calls) > 0 {
		finishReason = "tool_calls"
		deltas := make([]map[string]any, 0, len(calls))
		for i, tc := range formatToolCalls(calls) {
			tc["index"] = i
			deltas = append(deltas, tc)
		}
		_ = writeChatStreamChunk(w, run.chunk(map[string]any{"tool_calls": deltas}, nil))
	}
	s.finishStream(w, run, finishReason, u)
	flusher.Flush()
}

func (s *Server) streamCompletion(w http.ResponseWriter, r *http.Request, run chatRun) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeOpenAIError(w, http.StatusInternalServerError, "server_error", "streaming not supported")
		return
	}

	stream, err := s.backend.CompleteStream(r.Context(), run.messages)
	if err != nil {
		log.Error().Err(err).Str("id", run.id).Msg("claude stream failed to start")
		writeBackendError(w, err)
		return
	}
	defer stream.Close()

	// The status is only committed once the process has produced output, so a
	// run that fails before its first fragment still gets a real HTTP error.
	fragment, err := stream.Recv()
	if err != nil && !errors.Is(err, io.EOF) {
		log.Error().Err(err).Str("id", run.id).Msg("claude stream failed before output")
		writeBackendError(w, err)
		return
	}

	setSSEHeaders(w)
	w.WriteHeader(http.StatusOK)
	if err := writeChatStreamChunk(w, run.chunk(map[string]any{"role": "assistant"}, nil)); err != nil {
		return
	}
	flusher.Flush()

	var text strings.Builder
	for ; ; fragment, err = stream.Recv() {
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			log.Error().Err(err).Str("id", run.id).Msg("claude stream failed")
			_, errType := errorStatus(err)
			errChunk := run.chunk(map[string]any{}, "error")
			errChunk["error"] = map[string]any{"message": err.Error(), "type": errType}
			_ = writeChatStreamChunk(w, errChunk)
			_ = writeStreamDone(w)
			flusher.Flush()
			return
		}
		if fragment == "" {
			continue
		}
		text.WriteString(fragment)
		if err := writeChatStreamChunk(w, run.chunk(map[string]any{"content": fragment}, nil)); err != nil {
			// Client went away; the deferred Close kills the process.
			return
		}
		flusher.Flush()
	}

	s.finishStream(w, run, "stop", estimateUsage(run.messages, text.String()))
	flusher.Flush()
}

// finishStream writes the finish chunk, the optional usage chunk, and [DONE].
func (s *Server) finishStream(w io.Writer, run chatRun, finishReason string, u usage) {
	_ = writeChatStreamChunk(w, run.chunk(map[string]any{}, finishReason))
	if run.includeUsage {
		usageChunk := run.chunk(nil, nil)
		usageChunk["choices"] = []map[string]any{}
		usageChunk["usage"] = u
		_ = writeChatStreamChunk(w, usageChunk)
	}
	_ = writeStreamDone(w)
}

func (run chatRun) chunk(delta map[string]any, finishReason any) map[string]any {
	return map[string]any{
		"id":      run.id,
		"object":  "chat.completion.chunk",
		"created": run.created,
		"model":   run.model,
		"choices": []map[string]any{{
			"index":         0,
			"delta":         delta,
			"finish_reason": finishReason,
		}},
	}
}
