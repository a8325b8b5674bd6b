package main

import (
	"bytes"
	"context"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reifying/untethered/internal/agent"
	"github.com/reifying/untethered/internal/config"
	"github.com/reifying/untethered/internal/connection"
	"github.com/reifying/untethered/internal/gateway"
	"github.com/reifying/untethered/internal/httpapi"
	"github.com/reifying/untethered/internal/logging"
	"github.com/reifying/untethered/internal/protocol"
	"github.com/reifying/untethered/internal/session"
)

const stepsYAML = `
tasks:
  review:
    first_step: implement
    max_total_steps: 6
    steps:
      implement:
        prompt: "Implement the change."
        outcomes:
          done: {next: review}
      review:
        prompt: "Review the change."
        outcomes:
          approved: {exit: approved}
          changes: {next: implement}
`

func TestStepsValidateCommand(t *testing.T) {
	path := filepath.Join(t.TempDir(), "steps.yaml")
	require.NoError(t, os.WriteFile(path, []byte(stepsYAML), 0o600))

	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"steps", "validate", path})
	require.NoError(t, cmd.Execute())

	assert.Contains(t, out.String(), "review")
	assert.Contains(t, out.String(), "implement,review")
	assert.Contains(t, out.String(), "6")
}

func TestStepsValidateRejectsBrokenTable(t *testing.T) {
	path := filepath.Join(t.TempDir(), "steps.yaml")
	broken := strings.Replace(stepsYAML, "next: review", "next: missing", 1)
	require.NoError(t, os.WriteFile(path, []byte(broken), 0o600))

	cmd := newRootCmd()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetArgs([]string{"steps", "validate", path})
	require.Error(t, cmd.Execute())
}

func TestBuildSubscribers(t *testing.T) {
	cfg := config.GatewayConfig{}
	subs, err := buildSubscribers(cfg)
	require.NoError(t, err)
	require.Len(t, subs, 1)

	cfg.WebhookURL = "https://hooks.example/run"
	subs, err = buildSubscribers(cfg)
	require.NoError(t, err)
	require.Len(t, subs, 2)
	assert.Equal(t, "webhook", subs[1].Name())
}

func TestNotifiable(t *testing.T) {
	assert.True(t, notifiable(protocol.TypeRunExited))
	assert.False(t, notifiable(protocol.TypeTurn))
}

func TestOpenStoreMemoryAndFile(t *testing.T) {
	store, err := openStore(config.GatewayConfig{Store: config.StoreMemory})
	require.NoError(t, err)
	require.NoError(t, store.Close())

	store, err = openStore(config.GatewayConfig{Store: config.StoreFile, DataDir: t.TempDir()})
	require.NoError(t, err)
	require.NoError(t, store.Close())
}

func TestProbePrintsSessionsAndHistory(t *testing.T) {
	store := session.NewMemoryStore()
	ctx := context.Background()
	rec, err := store.CreateSession(ctx, "/repo")
	require.NoError(t, err)
	_, err = store.AppendTurn(ctx, rec.ID, session.TurnInput{Role: session.RoleUser, Text: "hello\nthere"})
	require.NoError(t, err)

	svc, err := gateway.NewService(gateway.Options{
		APIKey: "probe-key",
		Store:  store,
		Invoker: agent.InvokerFunc(func(context.Context, agent.Invocation) (agent.Result, error) {
			return agent.Result{}, nil
		}),
		Logger: logging.Discard(),
	})
	require.NoError(t, err)
	ts := httptest.NewServer(httpapi.NewServer(logging.Discard(), ":0", svc).Handler)
	t.Cleanup(func() {
		ts.Close()
		_ = svc.Close(context.Background())
	})

	cfg := connection.DefaultConfig()
	cfg.URL = "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	cfg.APIKey = "probe-key"

	probeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	var out bytes.Buffer
	require.NoError(t, probe(probeCtx, &out, cfg, rec.ID, false))

	assert.Contains(t, out.String(), rec.ID)
	assert.Contains(t, out.String(), "/repo")
	assert.Contains(t, out.String(), "1 of 1 turns, complete=true")
	assert.Contains(t, out.String(), "hello there")
}

func TestOneLine(t *testing.T) {
	assert.Equal(t, "a b", oneLine("a\nb", 10))
	assert.Equal(t, "abcd…", oneLine("abcdefgh", 5))
}
