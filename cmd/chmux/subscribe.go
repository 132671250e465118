package main

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/Prismer-AI/chmux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/segmentio/encoding/json"
	"github.com/spf13/cobra"
)

var (
	subscribePresence    bool
	subscribeMetricsAddr string
)

func init() {
	subscribeCmd.Flags().BoolVar(&subscribePresence, "presence", false, "print channel presence after subscribing")
	subscribeCmd.Flags().StringVar(&subscribeMetricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address (e.g. :9100)")
	rootCmd.AddCommand(subscribeCmd)
}

// eventLine is one JSON line printed by subscribe.
type eventLine struct {
	Type    string          `json:"type"`
	Channel string          `json:"channel"`
	Data    json.RawMessage `json:"data,omitempty"`
	User    string          `json:"user,omitempty"`
	Client  string          `json:"client,omitempty"`
	Code    uint32          `json:"code,omitempty"`
	Reason  string          `json:"reason,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// eventPrinter renders subscription events as JSON lines. Listeners run one
// at a time, so writes never interleave.
type eventPrinter struct {
	w io.Writer
}

func (p *eventPrinter) print(line eventLine) {
	if err := printJSON(p.w, line); err != nil {
		fmt.Fprintf(os.Stderr, "cannot print event: %v\n", err)
	}
}

func (p *eventPrinter) options() []chmux.SubscribeOption {
	return []chmux.SubscribeOption{
		chmux.WithJoinListener(func(e chmux.JoinEvent) {
			p.print(eventLine{Type: "join", Channel: e.Channel, User: e.Info.User, Client: e.Info.Client})
		}),
		chmux.WithLeaveListener(func(e chmux.LeaveEvent) {
			p.print(eventLine{Type: "leave", Channel: e.Channel, User: e.Info.User, Client: e.Info.Client})
		}),
		chmux.WithUnsubscribeListener(func(e chmux.UnsubscribeEvent) {
			p.print(eventLine{Type: "unsubscribe", Channel: e.Channel, Code: e.Code, Reason: e.Reason})
		}),
		chmux.WithErrorListener(func(e chmux.ErrorEvent) {
			p.print(eventLine{Type: "error", Channel: e.Channel, Error: e.Err.Error()})
		}),
	}
}

func (p *eventPrinter) message(e chmux.MessageEvent) {
	line := eventLine{Type: "message", Channel: e.Channel, Data: json.RawMessage(e.Data)}
	if e.Info != nil {
		line.User, line.Client = e.Info.User, e.Info.Client
	}
	p.print(line)
}

var subscribeCmd = &cobra.Command{
	Use:   "subscribe <channel>...",
	Short: "Stream channel events as JSON lines",
	Long:  "Subscribe to one or more channels and print messages, joins and leaves as JSON lines until interrupted.",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		var registerer prometheus.Registerer
		if subscribeMetricsAddr != "" {
			registry := prometheus.NewRegistry()
			registerer = registry
			srv := &http.Server{
				Addr:    subscribeMetricsAddr,
				Handler: promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
			}
			go func() {
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					fmt.Fprintf(os.Stderr, "metrics server: %v\n", err)
				}
			}()
			defer srv.Close()
		}

		client, err := getClient(ctx, registerer)
		if err != nil {
			return err
		}
		defer client.Close()

		printer := &eventPrinter{w: cmd.OutOrStdout()}
		for _, channel := range args {
			sub, err := subscribeAndWait(ctx, client, channel, printer.message, printer.options()...)
			if err != nil {
				return fmt.Errorf("subscribe %s: %w", channel, err)
			}
			if subscribePresence {
				presence, err := sub.FetchPresence(ctx)
				if err != nil {
					return fmt.Errorf("presence %s: %w", channel, err)
				}
				for _, entry := range presence {
					for clientID := range entry.Clients {
						printer.print(eventLine{Type: "present", Channel: channel, User: entry.UserID, Client: clientID})
					}
				}
			}
		}

		<-ctx.Done()
		return nil
	},
}
