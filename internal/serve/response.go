package serve

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/samsaffron/claude-proxy/internal/llm"
)

const maxBodyBytes = 10 << 20

type usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// estimateUsage approximates token counts as two per whitespace-separated
// word. The claude CLI reports no usage in print mode.
func estimateUsage(messages []llm.Message, completion string) usage {
	prompt := 0
	for _, m := range messages {
		prompt += len(strings.Fields(m.Content)) * 2
	}
	completionTokens := len(strings.Fields(completion)) * 2
	return usage{
		PromptTokens:     prompt,
		CompletionTokens: completionTokens,
		TotalTokens:      prompt + completionTokens,
	}
}

func newCompletionID() string {
	return "chatcmpl-" + strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
}

// errorStatus maps a backend failure to an HTTP status and OpenAI error type.
func errorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, llm.ErrTimeout):
		return http.StatusGatewayTimeout, "timeout_error"
	case errors.Is(err, llm.ErrMalformedReply):
		return http.StatusBadGateway, "malformed_reply"
	case errors.Is(err, llm.ErrPromptTooLarge):
		return http.StatusRequestEntityTooLarge, "request_too_large"
	case errors.Is(err, llm.ErrExecutionFailed):
		return http.StatusBadGateway, "upstream_error"
	case errors.Is(err, context.Canceled):
		// client closed request
		return 499, "request_cancelled"
	default:
		return http.StatusInternalServerError, "server_error"
	}
}

func writeBackendError(w http.ResponseWriter, err error) {
	status, errType := errorStatus(err)
	writeOpenAIError(w, status, errType, err.Error())
}

func writeOpenAIError(w http.ResponseWriter, status int, errorType, message string) {
	writeJSON(w, status, map[string]any{
		"error": map[string]any{
			"message": message,
			"type":    errorType,
		},
	})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func decodeJSONBody(r *http.Request, dst any) error {
	defer r.Body.Close()
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(dst); err != nil {
		return err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return fmt.Errorf("request body must contain a single JSON object")
	}
	return nil
}

func requireJSONContentType(r *http.Request) error {
	contentType := r.Header.Get("Content-Type")
	if strings.TrimSpace(contentType) == "" {
		return fmt.Errorf("Content-Type must be application/json")
	}
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return fmt.Errorf("invalid Content-Type header")
	}
	if mediaType != "application/json" {
		return fmt.Errorf("Content-Type must be application/json")
	}
	return nil
}

func writeChatStreamChunk(w io.Writer, payload any) error {
	b, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "data: %s\n\n", b)
	return err
}

func writeStreamDone(w io.Writer) error {
	_, err := io.WriteString(w, "data: [DONE]\n\n")
	return err
}

func setSSEHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
}

func formatToolCalls(calls []llm.ToolCall) []map[string]any {
	out := make([]map[string]any, 0, len(calls))
	for _, call := range calls {
		out = append(out, map[string]any{
			"id":   call.ID,
			"type": "function",
			"function": map[string]any{
				"name":      call.Name,
				"arguments": call.Arguments,
			},
		})
	}
	return out
}

// chatCompletionResponse builds a chat.completion body. content is nil only
// when the agent asked for tool calls without any text.
func chatCompletionResponse(id, model string, created int64, content *string, calls []llm.ToolCall, u usage) map[string]any {
	message := map[string]any{
		"role":    "assistant",
		"content": content,
	}
	finishReason := "stop"
	if len(calls) > 0 {
		finishReason = "tool_calls"
		message["tool_calls"] = formatToolCalls(calls)
	}
	return map[string]any{
		"id":      id,
		"object":  "chat.completion",
		"created": created,
		"model":   model,
		"choices": []map[string]any{{
			"index":         0,
			"message":       message,
			"finish_reason": finishReason,
		}},
		"usage": u,
	}
}
