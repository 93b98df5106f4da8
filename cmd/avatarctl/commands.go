package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"text/tabwriter"
	"time"

	"github.com/loqalabs/loqa-avatar/internal/bus"
	"github.com/loqalabs/loqa-avatar/internal/config"
	"github.com/loqalabs/loqa-avatar/internal/eventstore"
	"github.com/loqalabs/loqa-avatar/internal/protocol"
	"github.com/spf13/cobra"
)

type globals struct {
	configPath string
	server     string
	timeout    time.Duration
}

func newRootCmd() *cobra.Command {
	g := &globals{}
	root := &cobra.Command{
		Use:           "avatarctl",
		Short:         "Operate a loqa-avatar deployment",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&g.configPath, "config", "c", "avatar.yaml", "Path to configuration file")
	root.PersistentFlags().StringVar(&g.server, "server", "", "NATS URL, overrides bus.servers")
	root.PersistentFlags().DurationVar(&g.timeout, "timeout", 5*time.Second, "Bus operation timeout")

	root.AddCommand(
		newSpeakCmd(g),
		newStopCmd(g),
		newEventsCmd(g),
		newValidateCmd(g),
		newVersionCmd(),
	)
	return root
}

func (g *globals) loadConfig() (config.Config, error) {
	return config.Load(g.configPath)
}

// connect dials the bus as a client; the embedded server belongs to avatard.
func (g *globals) connect(ctx context.Context, cfg config.Config) (*bus.Client, error) {
	url := g.server
	if url == "" && cfg.Bus.Embedded {
		url = fmt.Sprintf("nats://127.0.0.1:%d", cfg.Bus.Port)
	}
	return bus.Connect(ctx, cfg.Bus, url, quietLogger())
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newSpeakCmd(g *globals) *cobra.Command {
	var (
		req  protocol.SpeakRequest
		wait bool
	)
	cmd := &cobra.Command{
		Use:   "speak",
		Short: "Ask the speaker role to synthesize text",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if req.Text == "" {
				return fmt.Errorf("--text is required")
			}
			cfg, err := g.loadConfig()
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), g.timeout)
			defer cancel()
			client, err := g.connect(ctx, cfg)
			if err != nil {
				return err
			}
			defer client.Close()

			ready := make(chan protocol.PlaybackReady, 1)
			if wait {
				sub, err := client.Subscribe(protocol.SubjectPlaybackReady, func(data []byte) {
					var r protocol.PlaybackReady
					if protocol.Decode(client.Codec(), data, &r) == nil {
						select {
						case ready <- r:
						default:
						}
					}
				})
				if err != nil {
					return err
				}
				defer sub.Unsubscribe()
			}

			req.Timestamp = time.Now().UTC()
			if err := client.Publish(protocol.SubjectSpeakRequest, req); err != nil {
				return err
			}
			if err := client.Flush(ctx); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "speak request sent (session %q)\n", req.SessionID)
			if !wait {
				return nil
			}
			select {
			case r := <-ready:
				fmt.Fprintf(cmd.OutOrStdout(), "played %s: %d frames, %dms %s\n", r.ID, r.Frames, r.DurationMS, r.Location)
				return nil
			case <-ctx.Done():
				return fmt.Errorf("no playback announced: %w", ctx.Err())
			}
		},
	}
	cmd.Flags().StringVarP(&req.Text, "text", "t", "", "Text to speak")
	cmd.Flags().StringVarP(&req.SessionID, "session", "s", "", "Session identifier")
	cmd.Flags().StringVar(&req.Voice, "voice", "", "Voice override")
	cmd.Flags().BoolVarP(&wait, "wait", "w", false, "Wait for the avatar to announce playback")
	return cmd
}

func newStopCmd(g *globals) *cobra.Command {
	var session string
	cmd := &cobra.Command{
		Use:   "stop",
		Short: "Stop speech for a session, or everything",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := g.loadConfig()
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), g.timeout)
			defer cancel()
			client, err := g.connect(ctx, cfg)
			if err != nil {
				return err
			}
			defer client.Close()

			if err := client.Publish(protocol.SubjectStopRequest, protocol.StopRequest{SessionID: session, Timestamp: time.Now().UTC()}); err != nil {
				return err
			}
			if err := client.Flush(ctx); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "stop request sent")
			return nil
		},
	}
	cmd.Flags().StringVarP(&session, "session", "s", "", "Session identifier; empty stops all")
	return cmd
}

func newEventsCmd(g *globals) *cobra.Command {
	var (
		session   string
		utterance string
		limit     int
	)
	cmd := &cobra.Command{
		Use:   "events",
		Short: "List recorded timeline events",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := g.loadConfig()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			store, err := eventstore.Open(ctx, cfg.EventStore, quietLogger())
			if err != nil {
				return err
			}
			defer store.Close()

			out := cmd.OutOrStdout()
			if session == "" && utterance == "" {
				utterances, err := store.RecentUtterances(ctx, limit)
				if err != nil {
					return err
				}
				tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "CREATED\tUTTERANCE\tSESSION\tTEXT")
				for _, u := range utterances {
					fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", u.CreatedAt.Format(time.RFC3339), u.ID, u.SessionID, u.Text)
				}
				return tw.Flush()
			}

			var events []eventstore.Event
			if utterance != "" {
				events, err = store.ListUtteranceEvents(ctx, utterance, limit)
			} else {
				events, err = store.ListSessionEvents(ctx, session, limit)
			}
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "CREATED\tUTTERANCE\tTYPE\tPAYLOAD")
			for _, e := range events {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", e.CreatedAt.Format(time.RFC3339Nano), e.UtteranceID, e.Type, e.Payload)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().StringVarP(&session, "session", "s", "", "Session identifier")
	cmd.Flags().StringVarP(&utterance, "utterance", "u", "", "Utterance (stream) identifier")
	cmd.Flags().IntVarP(&limit, "limit", "n", 100, "Maximum rows")
	return cmd
}

func newValidateCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Load and validate the configuration file",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := g.loadConfig()
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: ok (speaker=%t avatar=%t codec=%s)\n",
				g.configPath, cfg.Roles.Speaker, cfg.Roles.Avatar, cfg.Bus.Codec)
			return nil
		},
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version)
		},
	}
}
