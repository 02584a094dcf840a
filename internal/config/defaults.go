package config

import "onecell/internal/channel"

func Defaults() *Config {
	return &Config{
		General: GeneralConfig{
			LogLevel:  "info",
			LogFormat: "text",
		},
		Store: StoreConfig{
			DSN: "~/.onecell/onecell.db",
		},
		Poll: PollConfig{
			Enabled:         true,
			IntervalSeconds: 30,
			Limit:           10,
		},
		Aggregation: AggregationConfig{
			PullTimeoutSeconds: 10,
			MaxMessages:        5000,
			SeenCapacity:       100_000,
		},
		Adapters: AdaptersConfig{
			RequestTimeoutSeconds: 15,
			SendTimeoutSeconds:    30,
			GraphAPIBase:          channel.DefaultGraphAPIBase,
			SendRatePerMinute:     60,
			SendBurst:             10,
		},
		Webhook: WebhookConfig{
			Enabled:    false,
			Host:       "0.0.0.0",
			Port:       8080,
			PathPrefix: "/webhooks",
		},
		Metrics: MetricsConfig{
			Enabled:  false,
			Endpoint: "/metrics",
		},
	}
}
