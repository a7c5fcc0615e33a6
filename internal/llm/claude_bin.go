package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/tidwall/gjson"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	DefaultBin      = "claude"
	DefaultMaxTurns = 10
	DefaultTimeout  = 300 * time.Second

	// waitDelay bounds how long Wait blocks on output pipes held open by
	// grandchildren after the claude process itself has been killed.
	waitDelay = 2 * time.Second

	readChunkSize = 1024

	// MaxArgBytes is the largest prompt that fits in one argv entry. Linux
	// caps a single argument at 128 KiB including the terminating NUL.
	MaxArgBytes = 128<<10 - 1
)

var tracer = otel.Tracer("github.com/samsaffron/claude-proxy/internal/llm")

// ClaudeBin runs the claude CLI in non-interactive print mode. Each call
// launches its own process; nothing is shared between calls.
type ClaudeBin struct {
	cfg ClaudeConfig
}

// NewClaudeBin returns a supervisor for cfg. Zero fields take the package
// defaults.
func NewClaudeBin(cfg ClaudeConfig) *ClaudeBin {
	if cfg.Bin == "" {
		cfg.Bin = DefaultBin
	}
	if cfg.MaxTurns < 1 {
		cfg.MaxTurns = DefaultMaxTurns
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	return &ClaudeBin{cfg: cfg}
}

// Config returns the effective configuration.
func (c *ClaudeBin) Config() ClaudeConfig {
	return c.cfg
}

// NewInvocation resolves the command line for a single run.
func (c *ClaudeBin) NewInvocation(systemPrompt, userPrompt string, stream, toolMode bool) *Invocation {
	return &Invocation{
		Bin:          c.cfg.Bin,
		Args:         buildArgs(c.cfg.MaxTurns, systemPrompt, userPrompt, stream, toolMode),
		SystemPrompt: systemPrompt,
		UserPrompt:   userPrompt,
		Timeout:      c.cfg.Timeout,
		Stream:       stream,
		ToolMode:     toolMode,
	}
}

// buildArgs constructs the command line arguments for the claude binary.
// The user prompt is always last, behind "--" so a prompt starting with a
// dash is never read as a flag.
func buildArgs(maxTurns int, systemPrompt, userPrompt string, stream, toolMode bool) []string {
	format := "json"
	if stream {
		format = "stream-json"
	}
	args := []string{
		"-p",
		"--dangerously-skip-permissions",
		"--output-format", format,
		"--max-turns", strconv.Itoa(maxTurns),
	}
	// stream-json requires --verbose
	if stream {
		args = append(args, "--verbose")
	}
	if systemPrompt != "" {
		args = append(args, "--append-system-prompt", systemPrompt)
	}
	if toolMode {
		args = append(args, "--tools", "", "--json-schema", ToolResponseSchema)
	}
	return append(args, "--", userPrompt)
}

// Complete flattens messages and returns the agent's full reply.
func (c *ClaudeBin) Complete(ctx context.Context, messages []Message) (string, error) {
	systemPrompt, userPrompt := FlattenMessages(messages, false)
	return c.RunBlocking(ctx, c.NewInvocation(systemPrompt, userPrompt, false, false))
}

// CompleteStream flattens messages and streams the agent's reply.
func (c *ClaudeBin) CompleteStream(ctx context.Context, messages []Message) (Stream, error) {
	systemPrompt, userPrompt := FlattenMessages(messages, false)
	s, err := c.RunStreaming(ctx, c.NewInvocation(systemPrompt, userPrompt, true, false))
	if err != nil {
		return nil, err
	}
	return s, nil
}

// RunTools runs messages in tool mode and returns the whole reply document
// for DecodeStructuredReply. Output that is not a JSON object is wrapped as
// {"result": <text>}.
func (c *ClaudeBin) RunTools(ctx context.Context, messages []Message, tools []ToolSpec) (json.RawMessage, error) {
	systemPrompt, userPrompt := FlattenMessages(messages, true)
	if toolPrompt := BuildToolPrompt(tools); toolPrompt != "" {
		if systemPrompt != "" {
			systemPrompt += "\n\n" + toolPrompt
		} else {
			systemPrompt = toolPrompt
		}
	}
	userPrompt += FormatToolResults(messages)

	out, err := c.run(ctx, c.NewInvocation(systemPrompt, userPrompt, false, true))
	if err != nil {
		return nil, err
	}
	out = bytes.TrimSpace(out)
	if gjson.ValidBytes(out) && gjson.ParseBytes(out).IsObject() {
		return json.RawMessage(out), nil
	}
	doc, err := json.Marshal(map[string]string{"result": string(out)})
	if err != nil {
		return nil, fmt.Errorf("wrap claude output: %w", err)
	}
	return doc, nil
}

// RunBlocking runs inv to completion and returns the reply text. JSON output
// yields its "result", "content" or "message" field, in that order; any other
// output is returned unchanged.
func (c *ClaudeBin) RunBlocking(ctx context.Context, inv *Invocation) (string, error) {
	out, err := c.run(ctx, inv)
	if err != nil {
		return "", err
	}
	return extractResult(out), nil
}

func (c *ClaudeBin) run(ctx context.Context, inv *Invocation) (out []byte, err error) {
	ctx, span := startInvokeSpan(ctx, inv)
	defer func() { endInvokeSpan(span, err) }()

	if err := checkPromptSize(inv); err != nil {
		return nil, err
	}
	runCtx, cancel := withTimeout(ctx, inv.Timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, inv.Bin, inv.Args...)
	cmd.WaitDelay = waitDelay
	killProcessGroup(cmd)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	logInvocation(inv)
	if err := cmd.Start(); err != nil {
		return nil, &ExecutionError{ExitCode: -1, Err: err}
	}
	waitErr := cmd.Wait()
	code := exitCode(waitErr)
	span.SetAttributes(attribute.Int("claude.exit_code", code))

	if waitErr != nil && runCtx.Err() != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		log.Warn().Dur("timeout", inv.Timeout).Msg("claude process timed out, killed")
		return nil, &TimeoutError{Timeout: inv.Timeout}
	}

	log.Debug().
		Int("exit_code", code).
		Int("stdout_bytes", stdout.Len()).
		Dur("elapsed", time.Since(start)).
		Msg("claude process exited")

	if waitErr != nil {
		if len(bytes.TrimSpace(stdout.Bytes())) == 0 {
			return nil, &ExecutionError{ExitCode: code, Stderr: stderr.String(), Err: waitErr}
		}
		log.Warn().
			Int("exit_code", code).
			Str("stderr", stderr.String()).
			Msg("claude exited non-zero with output, parsing anyway")
	}
	return stdout.Bytes(), nil
}

func extractResult(out []byte) string {
	if !gjson.ValidBytes(out) {
		return string(out)
	}
	doc := gjson.ParseBytes(out)
	if !doc.IsObject() {
		return string(out)
	}
	for _, key := range []string{"result", "content", "message"} {
		v := doc.Get(key)
		if !v.Exists() {
			continue
		}
		switch v.Type {
		case gjson.String:
			return v.Str
		case gjson.Null:
			return ""
		default:
			return v.Raw
		}
	}
	return string(out)
}

// RunStreaming launches inv and returns a stream of text fragments decoded
// from its stream-json output. The caller must Close the stream; Close kills
// the process if it is still running and waits for it to exit.
func (c *ClaudeBin) RunStreaming(ctx context.Context, inv *Invocation) (*TextStream, error) {
	ctx, span := startInvokeSpan(ctx, inv)
	if err := checkPromptSize(inv); err != nil {
		endInvokeSpan(span, err)
		return nil, err
	}
	runCtx, cancel := withTimeout(ctx, inv.Timeout)

	cmd := exec.CommandContext(runCtx, inv.Bin, inv.Args...)
	cmd.WaitDelay = waitDelay
	killProcessGroup(cmd)
	s := &TextStream{
		parent:  ctx,
		runCtx:  runCtx,
		cancel:  cancel,
		cmd:     cmd,
		span:    span,
		timeout: inv.Timeout,
		chunks:  make(chan []byte),
		stop:    make(chan struct{}),
	}
	cmd.Stderr = &s.stderr

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		endInvokeSpan(span, err)
		return nil, fmt.Errorf("claude stdout pipe: %w", err)
	}
	logInvocation(inv)
	if err := cmd.Start(); err != nil {
		cancel()
		err = &ExecutionError{ExitCode: -1, Err: err}
		endInvokeSpan(span, err)
		return nil, err
	}
	go s.pump(stdout)
	return s, nil
}

// TextStream is the fragment sequence of one streaming run. Recv is not safe
// for concurrent use; Close may be called from any goroutine and more than
// once.
type TextStream struct {
	parent  context.Context
	runCtx  context.Context
	cancel  context.CancelFunc
	cmd     *exec.Cmd
	span    trace.Span
	timeout time.Duration
	stderr  bytes.Buffer

	chunks  chan []byte
	stop    chan struct{}
	readErr error

	dec      StreamDecoder
	pending  []string
	produced int
	err      error

	closed    atomic.Bool
	reapOnce  sync.Once
	closeOnce sync.Once
	spanOnce  sync.Once
	waitErr   error
	timedOut  bool
}

// Recv returns the next fragment, or io.EOF once the process has exited and
// all output has been decoded. After Close, Recv returns context.Canceled
// unless the stream had already ended.
func (s *TextStream) Recv() (string, error) {
	for {
		if s.err == nil && s.closed.Load() {
			s.pending = nil
			s.err = context.Canceled
		}
		if len(s.pending) > 0 {
			text := s.pending[0]
			s.pending = s.pending[1:]
			return text, nil
		}
		if s.err != nil {
			return "", s.err
		}

		select {
		case chunk, ok := <-s.chunks:
			if !ok {
				if s.closed.Load() {
					continue
				}
				s.pending = s.dec.Flush()
				s.produced += len(s.pending)
				s.err = s.finish()
				continue
			}
			s.pending = s.dec.Write(chunk)
			s.produced += len(s.pending)
		case <-s.runCtx.Done():
			s.reap()
			s.err = s.interruptErr()
			s.Close()
		}
	}
}

// Close stops the stream, killing the process if needed, and waits for it to
// exit.
func (s *TextStream) Close() error {
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		s.cancel()
		close(s.stop)
		s.reap()
		s.endSpan(nil)
	})
	return nil
}

func (s *TextStream) pump(r io.Reader) {
	defer close(s.chunks)
	buf := make([]byte, readChunkSize)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			chunk := append([]byte(nil), buf[:n]...)
			select {
			case s.chunks <- chunk:
			case <-s.stop:
				return
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				s.readErr = err
			}
			return
		}
	}
}

// reap waits for the process exactly once.
func (s *TextStream) reap() error {
	s.reapOnce.Do(func() {
		s.waitErr = s.cmd.Wait()
		s.timedOut = s.waitErr != nil && errors.Is(s.runCtx.Err(), context.DeadlineExceeded)
		s.cancel()

		code := exitCode(s.waitErr)
		s.span.SetAttributes(attribute.Int("claude.exit_code", code))
		log.Debug().Int("exit_code", code).Msg("claude stream process exited")
	})
	return s.waitErr
}

// finish reaps the process after stdout reached EOF and returns the error that
// ends the stream.
func (s *TextStream) finish() error {
	waitErr := s.reap()
	err := s.exitErr(waitErr)
	s.endSpan(err)
	return err
}

func (s *TextStream) exitErr(waitErr error) error {
	if waitErr == nil {
		if s.readErr != nil {
			return fmt.Errorf("read claude output: %w", s.readErr)
		}
		return io.EOF
	}
	if s.parent.Err() != nil {
		return s.parent.Err()
	}
	if s.timedOut {
		log.Warn().Dur("timeout", s.timeout).Msg("claude stream timed out, killed")
		return &TimeoutError{Timeout: s.timeout}
	}
	code := exitCode(waitErr)
	if s.produced == 0 {
		return &ExecutionError{ExitCode: code, Stderr: s.stderr.String(), Err: waitErr}
	}
	log.Warn().
		Int("exit_code", code).
		Str("stderr", s.stderr.String()).
		Msg("claude stream exited non-zero after output")
	return io.EOF
}

// interruptErr reports why the run context ended before stdout did.
func (s *TextStream) interruptErr() error {
	var err error
	switch {
	case s.parent.Err() != nil:
		err = s.parent.Err()
	case s.timedOut:
		log.Warn().Dur("timeout", s.timeout).Msg("claude stream timed out, killed")
		err = &TimeoutError{Timeout: s.timeout}
	default:
		err = context.Canceled
	}
	s.endSpan(err)
	return err
}

func (s *TextStream) endSpan(err error) {
	s.spanOnce.Do(func() { endInvokeSpan(s.span, err) })
}

// checkPromptSize rejects invocations the kernel would refuse to exec, so the
// caller sees a size error instead of an opaque E2BIG.
func checkPromptSize(inv *Invocation) error {
	for _, arg := range inv.Args {
		if len(arg) <= MaxArgBytes {
			continue
		}
		name := "argument"
		switch arg {
		case inv.UserPrompt:
			name = "prompt"
		case inv.SystemPrompt:
			name = "system prompt"
		}
		return &PromptTooLargeError{Arg: name, Size: len(arg), Limit: MaxArgBytes}
	}
	return nil
}

func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}

func exitCode(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}

func logInvocation(inv *Invocation) {
	log.Info().
		Str("bin", inv.Bin).
		Int("args", len(inv.Args)).
		Int("prompt_bytes", len(inv.UserPrompt)).
		Int("system_prompt_bytes", len(inv.SystemPrompt)).
		Bool("stream", inv.Stream).
		Bool("tool_mode", inv.ToolMode).
		Msg("executing claude")
}

func startInvokeSpan(ctx context.Context, inv *Invocation) (context.Context, trace.Span) {
	return tracer.Start(ctx, "claude.invoke", trace.WithAttributes(
		attribute.Bool("claude.stream", inv.Stream),
		attribute.Bool("claude.tool_mode", inv.ToolMode),
		attribute.String("claude.timeout", inv.Timeout.String()),
	))
}

// endInvokeSpan ends span, recording err unless it is io.EOF.
func endInvokeSpan(span trace.Span, err error) {
	if err != nil && !errors.Is(err, io.EOF) {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
