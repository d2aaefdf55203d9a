package queue

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"strconv"
	"strings"

	"github.com/segmentio/kafka-go"
)

// Retention for the ingest and dead-letter topics.
const (
	ingestRetentionMs = "604800000"  // 7d
	dlqRetentionMs    = "1209600000" // 14d
)

// TopicSpec describes a topic to create if missing.
type TopicSpec struct {
	Name              string
	Partitions        int
	ReplicationFactor int
	Config            map[string]string
}

// IngestTopics returns the specs for the ingest topic and its dead-letter topic.
func IngestTopics(topic, dlqTopic string, partitions int) []TopicSpec {
	if partitions < 1 {
		partitions = 1
	}
	specs := []TopicSpec{{
		Name:              topic,
		Partitions:        partitions,
		ReplicationFactor: 1,
		Config:            map[string]string{"cleanup.policy": "delete", "retention.ms": ingestRetentionMs},
	}}
	if dlqTopic != "" {
		specs = append(specs, TopicSpec{
			Name:              dlqTopic,
			Partitions:        1,
			ReplicationFactor: 1,
			Config:            map[string]string{"cleanup.policy": "delete", "retention.ms": dlqRetentionMs},
		})
	}
	return specs
}

// EnsureTopics creates each topic through the cluster controller. Topics that already exist are left alone.
func EnsureTopics(ctx context.Context, brokers []string, specs ...TopicSpec) error {
	if len(brokers) == 0 {
		return errors.New("queue: no brokers to ensure topics on")
	}
	conn, err := kafka.DialContext(ctx, "tcp", brokers[0])
	if err != nil {
		return fmt.Errorf("dial broker: %w", err)
	}
	defer conn.Close()

	controller, err := conn.Controller()
	if err != nil {
		return fmt.Errorf("controller: %w", err)
	}
	ctrlConn, err := kafka.DialContext(ctx, "tcp", net.JoinHostPort(controller.Host, strconv.Itoa(controller.Port)))
	if err != nil {
		return fmt.Errorf("dial controller: %w", err)
	}
	defer ctrlConn.Close()

	var errs []error
	for _, s := range specs {
		if s.Name == "" {
			continue
		}
		tc := kafka.TopicConfig{
			Topic:             s.Name,
			NumPartitions:     s.Partitions,
			ReplicationFactor: s.ReplicationFactor,
			ConfigEntries:     configEntries(s.Config),
		}
		if err := ctrlConn.CreateTopics(tc); err != nil && !errors.Is(err, kafka.TopicAlreadyExists) &&
			!strings.Contains(strings.ToLower(err.Error()), "exists") {
			errs = append(errs, fmt.Errorf("create topic %s: %w", s.Name, err))
			continue
		}
		log.Printf("queue: ensured topic=%s partitions=%d", s.Name, s.Partitions)
	}
	return errors.Join(errs...)
}

func configEntries(m map[string]string) []kafka.ConfigEntry {
	if len(m) == 0 {
		return nil
	}
	out := make([]kafka.ConfigEntry, 0, len(m))
	for k, v := range m {
		out = append(out, kafka.ConfigEntry{ConfigName: k, ConfigValue: v})
	}
	return out
}
