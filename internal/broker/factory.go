package broker

import (
	"context"
	"fmt"

	"github.com/agendaanalytics/agenda-analytics/internal/config"
	"github.com/agendaanalytics/agenda-analytics/internal/pkg/httpclient"
)

// New creates a Store based on configuration.
func New(ctx context.Context, cfg config.BrokerConfig) (Store, error) {
	switch cfg.Type {
	case "memory", "":
		return NewMemoryStore(), nil
	case "postgres":
		return ConnectPostgres(ctx, cfg.PostgresDSN)
	case "ngsi":
		return NewNGSIClient(NGSIConfig{
			BaseURL:    cfg.URL,
			ContextURL: cfg.Context,
			HTTP:       httpclient.DefaultConfig(),
		}), nil
	default:
		return nil, fmt.Errorf("unknown broker type: %s", cfg.Type)
	}
}
