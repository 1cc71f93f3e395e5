package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

type Metrics struct {
	TurnsTotal        prometheus.Counter
	RewindsTotal      prometheus.Counter
	ProviderErrors    prometheus.Counter
	InsufficientFunds prometheus.Counter
	TokensBilledTotal prometheus.Counter
	WalletDebitsTotal prometheus.Counter
	RateLimitedTotal  prometheus.Counter
	AuthFailuresTotal prometheus.Counter
}

var (
	once   sync.Once
	global *Metrics
)

func Global() *Metrics {
	once.Do(func() {
		global = &Metrics{
			TurnsTotal: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "chatcore",
				Name:      "chat_turns_total",
				Help:      "Total chat turns completed successfully",
			}),
			RewindsTotal: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "chatcore",
				Name:      "chat_rewinds_total",
				Help:      "Total rewind turns completed successfully",
			}),
			ProviderErrors: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "chatcore",
				Name:      "provider_errors_total",
				Help:      "Total upstream provider failures",
			}),
			InsufficientFunds: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "chatcore",
				Name:      "insufficient_funds_total",
				Help:      "Total turns rejected for insufficient wallet balance",
			}),
			TokensBilledTotal: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "chatcore",
				Name:      "tokens_billed_total",
				Help:      "Total wallet tokens debited for usage",
			}),
			WalletDebitsTotal: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "chatcore",
				Name:      "wallet_debits_total",
				Help:      "Total successful wallet debits",
			}),
			RateLimitedTotal: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "chatcore",
				Name:      "rate_limited_total",
				Help:      "Total turns rejected by the per-user rate limit",
			}),
			AuthFailuresTotal: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "chatcore",
				Name:      "auth_failures_total",
				Help:      "Total requests rejected for invalid credentials",
			}),
		}
		prometheus.MustRegister(
			global.TurnsTotal,
			global.RewindsTotal,
			global.ProviderErrors,
			global.InsufficientFunds,
			global.TokensBilledTotal,
			global.WalletDebitsTotal,
			global.RateLimitedTotal,
			global.AuthFailuresTotal,
		)
	})
	return global
}
