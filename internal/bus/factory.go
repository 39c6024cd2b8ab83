package bus

import (
	"os"
	"strings"

	"github.com/agendaanalytics/agenda-analytics/internal/config"
	"github.com/agendaanalytics/agenda-analytics/internal/pkg/errors"
	"github.com/agendaanalytics/agenda-analytics/internal/pkg/logger"
)

const defaultConsumerGroup = "agenda-analytics"

// NewBus opens the bus selected by cfg.Type.
func NewBus(cfg config.BusConfig, log *logger.Logger) (Bus, error) {
	switch strings.ToLower(cfg.Type) {
	case "memory", "":
		return NewMemoryBus(log), nil
	case "kafka":
		kc, err := kafkaConfig(cfg)
		if err != nil {
			return nil, err
		}
		return NewKafkaBus(kc, log)
	}
	return nil, errors.New(errors.CodeValidation, "unknown bus type: "+cfg.Type)
}

// kafkaConfig derives the client settings. Every process gets its own
// client id so broker logs tell the CLI and the server apart.
func kafkaConfig(cfg config.BusConfig) (KafkaConfig, error) {
	brokers := ParseKafkaBrokers(cfg.KafkaBrokers)
	if len(brokers) == 0 {
		return KafkaConfig{}, errors.New(errors.CodeValidation, "kafka brokers not configured")
	}
	group := cfg.KafkaGroup
	if group == "" {
		group = defaultConsumerGroup
	}
	clientID := "agenda-analytics"
	if host, err := os.Hostname(); err == nil && host != "" {
		clientID += "-" + host
	}
	return KafkaConfig{
		Brokers:       brokers,
		ConsumerGroup: group,
		ClientID:      clientID,
		TopicPrefix:   cfg.KafkaTopicPrefix,
	}, nil
}
