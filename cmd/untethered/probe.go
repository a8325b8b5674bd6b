package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/reifying/untethered/internal/config"
	"github.com/reifying/untethered/internal/connection"
	"github.com/reifying/untethered/internal/logging"
	"github.com/reifying/untethered/internal/protocol"
)

func newProbeCmd() *cobra.Command {
	var (
		sessionID string
		timeout   time.Duration
		asJSON    bool
	)
	cmd := &cobra.Command{
		Use:   "probe",
		Short: "Connect to a gateway and print its sessions",
		Long:  "probe performs the client handshake against a running gateway, prints the session list and, with --session, that session's history.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.ClientFromYAMLAndEnv()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid config: %w", err)
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()
			return probe(ctx, cmd.OutOrStdout(), cfg.ConnectionConfig(), sessionID, asJSON)
		},
	}
	cmd.Flags().StringVar(&sessionID, "session", "", "also fetch this session's history")
	cmd.Flags().DurationVar(&timeout, "timeout", 15*time.Second, "overall probe timeout")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print raw JSON messages")
	return cmd
}

func probe(ctx context.Context, out io.Writer, cfg connection.Config, sessionID string, asJSON bool) error {
	// The probe is a one-shot check, so it never reconnects.
	cfg.Backoff.MaxAttempts = 0
	m := connection.New(cfg, connection.WebSocketDialer{}, logging.New("probe"))
	defer m.Close()

	inbound := make(chan protocol.Inbound, 64)
	m.OnMessage(func(msg protocol.Inbound) {
		select {
		case inbound <- msg:
		default:
		}
	})

	if err := m.Connect(ctx); err != nil {
		return err
	}
	if err := m.WaitReady(ctx); err != nil {
		return fmt.Errorf("handshake: %w", err)
	}

	var list protocol.SessionList
	if err := awaitMessage(ctx, inbound, protocol.TypeSessionList, &list); err != nil {
		return err
	}
	if err := printProbe(out, list, asJSON); err != nil {
		return err
	}
	if sessionID == "" {
		return nil
	}

	if err := m.Subscribe(ctx, sessionID, ""); err != nil {
		return err
	}
	var history protocol.History
	if err := awaitMessage(ctx, inbound, protocol.TypeHistory, &history); err != nil {
		return err
	}
	return printProbe(out, history, asJSON)
}

func awaitMessage(ctx context.Context, inbound <-chan protocol.Inbound, want protocol.MessageType, v any) error {
	for {
		select {
		case msg := <-inbound:
			if msg.Type == protocol.TypeError {
				var e protocol.Error
				_ = msg.DecodePayload(&e)
				return fmt.Errorf("gateway error %s: %s", e.Code, e.Message)
			}
			if msg.Type == want {
				return msg.DecodePayload(v)
			}
		case <-ctx.Done():
			return fmt.Errorf("waiting for %s: %w", want, ctx.Err())
		}
	}
}

func printProbe(out io.Writer, v any, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}

	w := tabwriter.NewWriter(out, 0, 2, 2, ' ', 0)
	switch msg := v.(type) {
	case protocol.SessionList:
		fmt.Fprintln(w, "SESSION\tTURNS\tLOCKED\tUPDATED\tDIRECTORY")
		for _, s := range msg.Sessions {
			fmt.Fprintf(w, "%s\t%d\t%t\t%s\t%s\n", s.ID, s.TurnCount, s.Locked, s.UpdatedAt.Format(time.RFC3339), s.WorkingDirectory)
		}
	case protocol.History:
		fmt.Fprintf(w, "history for %s: %d of %d turns, complete=%t\n", msg.SessionID, len(msg.Turns), msg.TotalCount, msg.IsComplete)
		for _, turn := range msg.Turns {
			fmt.Fprintf(w, "%s\t%s\t%s\n", turn.Timestamp.Format(time.RFC3339), turn.Role, oneLine(turn.Text, 80))
		}
	}
	return w.Flush()
}

func oneLine(s string, limit int) string {
	runes := []rune(s)
	for i, r := range runes {
		if r == '\n' || r == '\r' {
			runes[i] = ' '
		}
	}
	if len(runes) > limit {
		return string(runes[:limit-1]) + "…"
	}
	return string(runes)
}
