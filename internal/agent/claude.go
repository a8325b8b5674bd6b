package agent

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/reifying/untethered/internal/apperr"
	"github.com/reifying/untethered/internal/logging"
	"github.com/reifying/untethered/internal/session"
)

const (
	DefaultClaudeBinary = "claude"
	maxStderrBytes      = 8 << 10
)

// Executor creates commands. Tests swap it to run a stand-in binary.
type Executor interface {
	CommandContext(ctx context.Context, name string, args ...string) *exec.Cmd
}

type RealExecutor struct{}

func (RealExecutor) CommandContext(ctx context.Context, name string, args ...string) *exec.Cmd {
	return exec.CommandContext(ctx, name, args...)
}

// ClaudeCLI runs the Claude Code CLI in print mode and decodes its
// stream-json output.
type ClaudeCLI struct {
	binary    string
	extraArgs []string
	executor  Executor
	logger    *logrus.Entry
}

type ClaudeOption func(*ClaudeCLI)

func WithExecutor(executor Executor) ClaudeOption {
	return func(c *ClaudeCLI) {
		if executor != nil {
			c.executor = executor
		}
	}
}

func WithExtraArgs(args ...string) ClaudeOption {
	return func(c *ClaudeCLI) {
		c.extraArgs = append(c.extraArgs, args...)
	}
}

func WithLogger(logger *logrus.Entry) ClaudeOption {
	return func(c *ClaudeCLI) {
		if logger != nil {
			c.logger = logger
		}
	}
}

func NewClaudeCLI(binary string, opts ...ClaudeOption) *ClaudeCLI {
	if strings.TrimSpace(binary) == "" {
		binary = DefaultClaudeBinary
	}
	c := &ClaudeCLI{
		binary:   binary,
		executor: RealExecutor{},
		logger:   logging.New("agent"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c
}

var _ Invoker = (*ClaudeCLI)(nil)

func (c *ClaudeCLI) Invoke(ctx context.Context, inv Invocation) (Result, error) {
	if strings.TrimSpace(inv.Prompt) == "" {
		return Result{}, apperr.Validation("prompt is required")
	}
	if strings.TrimSpace(inv.RemoteSessionID) == "" {
		return Result{}, apperr.Validation("remote session id is required")
	}

	cmd := c.executor.CommandContext(ctx, c.binary, c.args(inv)...)
	cmd.Dir = inv.WorkingDirectory
	var stderr limitedBuffer
	cmd.Stderr = &stderr
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return Result{}, fmt.Errorf("claude stdout pipe: %w", err)
	}

	log := c.logger.WithFields(logrus.Fields{
		"session_id": inv.RemoteSessionID,
		"mode":       inv.Mode,
	})
	log.Debug("starting claude")
	if err := cmd.Start(); err != nil {
		return Result{}, apperr.Wrap(err, apperr.KindRemoteAgent, "start claude")
	}

	result, parseErr := parseStream(stdout)
	// Drain so the process never blocks on a full pipe after a parse error.
	_, _ = io.Copy(io.Discard, stdout)
	waitErr := cmd.Wait()

	if waitErr != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = waitErr.Error()
		}
		log.WithError(waitErr).Warn("claude exited with error")
		return Result{}, fmt.Errorf("%w: %s", ErrAgentFailed, msg)
	}
	if parseErr != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrAgentFailed, parseErr)
	}
	log.WithField("turns", len(result.Turns)).Debug("claude finished")
	return result, nil
}

func (c *ClaudeCLI) args(inv Invocation) []string {
	args := []string{"-p", inv.Prompt, "--output-format", "stream-json", "--verbose"}
	if inv.Mode == ModeResume {
		args = append(args, "--resume", inv.RemoteSessionID)
	} else {
		args = append(args, "--session-id", inv.RemoteSessionID)
	}
	return append(args, c.extraArgs...)
}

type streamEvent struct {
	Type    string `json:"type"`
	Subtype string `json:"subtype"`
	Message *struct {
		Content json.RawMessage `json:"content"`
	} `json:"message"`
	Result  string `json:"result"`
	IsError bool   `json:"is_error"`
}

// parseStream decodes stream-json lines. Assistant messages become agent
// turns; user messages carry tool results back to the agent.
func parseStream(r io.Reader) (Result, error) {
	var (
		result    Result
		sawResult bool
	)
	reader := bufio.NewReader(r)
	for {
		line, readErr := reader.ReadBytes('\n')
		line = bytes.TrimSpace(line)
		if len(line) > 0 {
			var event streamEvent
			if err := json.Unmarshal(line, &event); err != nil {
				return result, fmt.Errorf("decode stream event: %w", err)
			}
			switch event.Type {
			case "assistant", "user":
				if event.Message == nil {
					break
				}
				fallback := session.RoleAgentText
				if event.Type == "user" {
					fallback = session.RoleUser
				}
				role, text, err := session.ClassifyContent(event.Message.Content, fallback)
				if err != nil {
					return result, err
				}
				if strings.TrimSpace(text) == "" {
					break
				}
				result.Turns = append(result.Turns, session.TurnInput{Role: role, Text: text})
			case "result":
				sawResult = true
				if event.IsError {
					return result, fmt.Errorf("agent reported error: %s", event.Result)
				}
				result.Text = event.Result
			}
		}
		if readErr != nil {
			if errors.Is(readErr, io.EOF) {
				break
			}
			return result, fmt.Errorf("read stream: %w", readErr)
		}
	}
	if !sawResult {
		return result, errors.New("stream ended without a result")
	}
	return result, nil
}

type limitedBuffer struct {
	buf bytes.Buffer
}

func (b *limitedBuffer) Write(p []byte) (int, error) {
	if room := maxStderrBytes - b.buf.Len(); room > 0 {
		if len(p) > room {
			b.buf.Write(p[:room])
		} else {
			b.buf.Write(p)
		}
	}
	return len(p), nil
}

func (b *limitedBuffer) String() string {
	return b.buf.String()
}
