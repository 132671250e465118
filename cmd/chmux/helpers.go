package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/Prismer-AI/chmux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/segmentio/encoding/json"
)

// resolvedConfig loads the config file and applies the persistent flags.
func resolvedConfig() (*Config, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if flagURL != "" {
		cfg.Server.URL = flagURL
	}
	if flagToken != "" {
		cfg.Server.Token = flagToken
	}
	return cfg, nil
}

// clientConfig converts the CLI config into a library config.
func clientConfig(cfg *Config) (*chmux.Config, error) {
	cc := &chmux.Config{
		Token:            cfg.Server.Token,
		Name:             valueOrDefault(cfg.Client.Name, "chmux-cli"),
		MetricsNamespace: cfg.Client.MetricsNamespace,
	}
	var err error
	if cc.PublishTimeout, err = parseDuration("client.publish_timeout", cfg.Client.PublishTimeout); err != nil {
		return nil, err
	}
	if cc.TypingTimeout, err = parseDuration("client.typing_timeout", cfg.Client.TypingTimeout); err != nil {
		return nil, err
	}
	return cc, nil
}

func parseDuration(key, value string) (time.Duration, error) {
	if value == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, value, err)
	}
	return d, nil
}

// getClient creates a connected client from config and flags. registerer may be nil.
func getClient(ctx context.Context, registerer prometheus.Registerer) (*chmux.Client, error) {
	cfg, err := resolvedConfig()
	if err != nil {
		return nil, err
	}
	if cfg.Server.URL == "" {
		return nil, fmt.Errorf("no server URL. Run 'chmux init <url> <token>' first")
	}
	cc, err := clientConfig(cfg)
	if err != nil {
		return nil, err
	}

	logger := newLogger(os.Stderr, cfg.Client.LogLevel, flagVerbose)
	client, err := chmux.NewWebSocketClient(cfg.Server.URL, cc,
		chmux.WithLogger(logger),
		chmux.WithMetrics(registerer),
	)
	if err != nil {
		return nil, err
	}

	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := client.Connect(connectCtx); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to %s: %w", cfg.Server.URL, err)
	}
	return client, nil
}

// subscribeAndWait subscribes and blocks until the server confirms or rejects.
func subscribeAndWait(ctx context.Context, client *chmux.Client, channel string, onMessage func(chmux.MessageEvent), opts ...chmux.SubscribeOption) (*chmux.Subscription, error) {
	result := make(chan error, 1)
	opts = append(opts,
		chmux.WithSubscribeListener(func(chmux.SubscribeEvent) {
			select {
			case result <- nil:
			default:
			}
		}),
		chmux.WithErrorListener(func(e chmux.ErrorEvent) {
			select {
			case result <- e.Err:
			default:
			}
		}),
	)
	sub, err := client.Subscribe(channel, onMessage, opts...)
	if err != nil {
		return nil, err
	}
	select {
	case err := <-result:
		if err != nil {
			return nil, err
		}
		return sub, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("subscribe %s: %w", channel, ctx.Err())
	}
}

func printJSON(w io.Writer, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(data))
	return err
}

// maskKey shows the first 12 and last 4 characters of a key.
func maskKey(key string) string {
	if len(key) < 8 {
		return "****"
	}
	if len(key) <= 16 {
		return key[:4] + "..." + key[len(key)-4:]
	}
	return key[:12] + "..." + key[len(key)-4:]
}

func valueOrDefault(val, def string) string {
	if val == "" {
		return def
	}
	return val
}
