package devserver

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"

	"github.com/example/delivery-sync/internal/models"
)

// RedisMirror writes presence snapshots into redis so other local tooling
// can observe who is online. Wired only when REDIS_ADDR is set.
type RedisMirror struct {
	client *redis.Client
}

func NewRedisMirror(addr, password string) *RedisMirror {
	c := redis.NewClient(&redis.Options{Addr: addr, Password: password})
	return &RedisMirror{client: c}
}

func (m *RedisMirror) SetPresence(ctx context.Context, p models.Presence) error {
	fields := map[string]interface{}{
		"online":  strconv.FormatBool(p.Online),
		"updated": time.Now().Format(time.RFC3339),
	}
	if p.LastSeenAt != nil {
		fields["last_seen_at"] = p.LastSeenAt.Format(time.RFC3339)
	}
	return m.client.HSet(ctx, presenceKey(p.UserID), fields).Err()
}

func (m *RedisMirror) Close() error { return m.client.Close() }

func presenceKey(userID string) string { return "presence:" + userID }

// KafkaTap publishes every inbound rider location update to a topic, the
// same shape the production ingest pipeline consumes. Wired only when
// KAFKA_BROKERS is set.
type KafkaTap struct {
	writer *kafka.Writer
}

func NewKafkaTap(brokers []string, topic string) *KafkaTap {
	w := kafka.NewWriter(kafka.WriterConfig{Brokers: brokers, Topic: topic, Balancer: &kafka.LeastBytes{}})
	return &KafkaTap{writer: w}
}

func (t *KafkaTap) PublishLocation(ev models.RiderLocationEvent) error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	b, _ := json.Marshal(ev)
	return t.writer.WriteMessages(ctx, kafka.Message{Key: []byte(ev.OrderID), Value: b})
}

func (t *KafkaTap) Close() error {
	if t.writer == nil {
		return nil
	}
	return t.writer.Close()
}
