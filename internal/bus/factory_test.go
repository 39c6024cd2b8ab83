package bus

import (
	"strings"
	"testing"

	"github.com/agendaanalytics/agenda-analytics/internal/config"
)

func TestNewBus_Memory(t *testing.T) {
	for _, typ := range []string{"", "memory", "MEMORY"} {
		b, err := NewBus(config.BusConfig{Type: typ}, nil)
		if err != nil {
			t.Fatalf("NewBus(%q) error = %v", typ, err)
		}
		if _, ok := b.(*MemoryBus); !ok {
			t.Errorf("NewBus(%q) = %T, want *MemoryBus", typ, b)
		}
		b.Close()
	}
}

func TestNewBus_Rejects(t *testing.T) {
	if _, err := NewBus(config.BusConfig{Type: "nats"}, nil); err == nil {
		t.Error("unknown type should fail")
	}
	if _, err := NewBus(config.BusConfig{Type: "kafka", KafkaBrokers: " , "}, nil); err == nil {
		t.Error("kafka without brokers should fail")
	}
}

func TestKafkaConfig(t *testing.T) {
	kc, err := kafkaConfig(config.BusConfig{KafkaBrokers: "k1:9092,k2:9092", KafkaTopicPrefix: "prod."})
	if err != nil {
		t.Fatal(err)
	}
	if len(kc.Brokers) != 2 || kc.ConsumerGroup != defaultConsumerGroup || kc.TopicPrefix != "prod." {
		t.Errorf("kafkaConfig() = %+v", kc)
	}
	if !strings.HasPrefix(kc.ClientID, "agenda-analytics") {
		t.Errorf("ClientID = %q", kc.ClientID)
	}

	kc, _ = kafkaConfig(config.BusConfig{KafkaBrokers: "k1:9092", KafkaGroup: "renderers"})
	if kc.ConsumerGroup != "renderers" {
		t.Errorf("ConsumerGroup = %q, want renderers", kc.ConsumerGroup)
	}
}
