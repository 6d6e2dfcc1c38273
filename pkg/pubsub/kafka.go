package pubsub

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/confluentinc/confluent-kafka-go/v2/kafka"

	pkglog "github.com/weiawesome/wes-trip-collab/pkg/log"
)

// channelToTopicAndKey converts a Redis-style channel to a Kafka topic and message key.
//
//	"collab:trip:T123:events" → topic: "collab-events", key: "T123"
func channelToTopicAndKey(channel string) (topic, key string, err error) {
	parts := strings.Split(channel, ":")
	if len(parts) != 4 || parts[1] != "trip" || parts[2] == "" {
		return "", "", fmt.Errorf("invalid channel format: %s", channel)
	}
	topic = parts[0] + "-" + strings.ReplaceAll(parts[3], "_", "-")
	return topic, parts[2], nil
}

// patternToTopic converts a Redis-style subscribe pattern to a Kafka topic.
//
//	"collab:trip:*:events" → "collab-events"
func patternToTopic(pattern string) (string, error) {
	channel := strings.ReplaceAll(pattern, "*", "_placeholder_")
	topic, _, err := channelToTopicAndKey(channel)
	return topic, err
}

// kafkaSubscription's consumer is owned by its poll goroutine, which
// closes it on exit. stop cancels and waits for that.
type kafkaSubscription struct {
	cancel context.CancelFunc
	done   chan struct{}
}

func (s *kafkaSubscription) stop() {
	s.cancel()
	<-s.done
}

// KafkaPubSub implements PubSub interface using Apache Kafka.
type KafkaPubSub struct {
	producer      *kafka.Producer
	subscriptions map[string]*kafkaSubscription
	config        KafkaConfig
	mu            sync.Mutex
	doneCh        chan struct{}
}

// NewKafkaPubSub creates a new Kafka-based PubSub instance.
func NewKafkaPubSub(cfg KafkaConfig) (*KafkaPubSub, error) {
	p, err := kafka.NewProducer(&kafka.ConfigMap{
		"bootstrap.servers": cfg.Brokers,
		"acks":              "1",
		"linger.ms":         5,
		"compression.type":  "snappy",
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka producer: %w", err)
	}

	kps := &KafkaPubSub{
		producer:      p,
		subscriptions: make(map[string]*kafkaSubscription),
		config:        cfg,
		doneCh:        make(chan struct{}),
	}

	go kps.deliveryReportHandler()

	if err := kps.ensureTopics(); err != nil {
		l := pkglog.L()
		l.Warn().Err(err).Strs("brokers", strings.Split(cfg.Brokers, ",")).Msg("failed to ensure kafka topics (may already exist)")
	}

	return kps, nil
}

func (k *KafkaPubSub) ensureTopics() error {
	admin, err := kafka.NewAdminClient(&kafka.ConfigMap{
		"bootstrap.servers": k.config.Brokers,
	})
	if err != nil {
		return fmt.Errorf("failed to create admin client: %w", err)
	}
	defer admin.Close()

	partitions := k.config.Partitions
	if partitions <= 0 {
		partitions = 4
	}

	topic, err := patternToTopic(PatternTripEvents)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	results, err := admin.CreateTopics(ctx, []kafka.TopicSpecification{{
		Topic:             topic,
		NumPartitions:     partitions,
		ReplicationFactor: 1,
	}})
	if err != nil {
		return fmt.Errorf("failed to create topics: %w", err)
	}

	for _, r := range results {
		if r.Error.Code() != kafka.ErrNoError && r.Error.Code() != kafka.ErrTopicAlreadyExists {
			l := pkglog.L()
			l.Warn().Str("topic", r.Topic).Str("error", r.Error.String()).Msg("failed to create kafka topic")
		}
	}

	return nil
}

func (k *KafkaPubSub) deliveryReportHandler() {
	for e := range k.producer.Events() {
		if ev, ok := e.(*kafka.Message); ok && ev.TopicPartition.Error != nil {
			l := pkglog.L()
			l.Warn().Err(ev.TopicPartition.Error).Str(pkglog.FieldTripID, string(ev.Key)).Msg("kafka pubsub delivery failed")
		}
	}
	close(k.doneCh)
}

// Publish publishes an event to the specified channel (converted to Kafka topic + key).
// The trip id is the key, so one trip's events stay ordered within a partition.
func (k *KafkaPubSub) Publish(ctx context.Context, channel string, event *Event) error {
	topic, key, err := channelToTopicAndKey(channel)
	if err != nil {
		return fmt.Errorf("failed to parse channel: %w", err)
	}

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	err = k.producer.Produce(&kafka.Message{
		TopicPartition: kafka.TopicPartition{
			Topic:     &topic,
			Partition: kafka.PartitionAny,
		},
		Key:   []byte(key),
		Value: data,
	}, nil)
	if err != nil {
		return fmt.Errorf("failed to produce message: %w", err)
	}

	return nil
}

// Subscribe subscribes to a specific channel, filtering messages by trip id.
func (k *KafkaPubSub) Subscribe(ctx context.Context, channel string) (<-chan *Event, error) {
	topic, tripID, err := channelToTopicAndKey(channel)
	if err != nil {
		return nil, fmt.Errorf("failed to parse channel: %w", err)
	}

	return k.subscribeToTopic(ctx, channel, topic, tripID)
}

// SubscribePattern subscribes to channels matching a pattern (consumes all messages on the topic).
func (k *KafkaPubSub) SubscribePattern(ctx context.Context, pattern string) (<-chan *Event, error) {
	topic, err := patternToTopic(pattern)
	if err != nil {
		return nil, fmt.Errorf("failed to parse pattern: %w", err)
	}

	return k.subscribeToTopic(ctx, pattern, topic, "")
}

// consumerGroupID returns a group id unique to this instance and
// subscription: every instance must see every event, so instances never
// share a group.
func (k *KafkaPubSub) consumerGroupID(subKey string) string {
	groupID := k.config.GroupID
	if groupID == "" {
		groupID = "pubsub-default"
	}
	if k.config.InstanceID != "" {
		groupID = groupID + "-" + sanitizeGroupID(k.config.InstanceID)
	}
	return groupID + "-" + sanitizeGroupID(subKey)
}

func (k *KafkaPubSub) subscribeToTopic(ctx context.Context, subKey, topic, filterTripID string) (<-chan *Event, error) {
	k.mu.Lock()
	defer k.mu.Unlock()

	if existing, ok := k.subscriptions[subKey]; ok {
		existing.stop()
		delete(k.subscriptions, subKey)
	}

	c, err := kafka.NewConsumer(&kafka.ConfigMap{
		"bootstrap.servers":       k.config.Brokers,
		"group.id":                k.consumerGroupID(subKey),
		"auto.offset.reset":       "latest",
		"enable.auto.commit":      true,
		"auto.commit.interval.ms": 5000,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka consumer: %w", err)
	}

	if err := c.Subscribe(topic, nil); err != nil {
		c.Close()
		return nil, fmt.Errorf("failed to subscribe to topic %s: %w", topic, err)
	}

	subCtx, cancel := context.WithCancel(ctx)
	eventCh := make(chan *Event, 256)
	sub := &kafkaSubscription{cancel: cancel, done: make(chan struct{})}
	k.subscriptions[subKey] = sub

	go func() {
		defer close(sub.done)
		k.consumeMessages(subCtx, c, eventCh, filterTripID)
		if err := c.Close(); err != nil {
			l := pkglog.L()
			l.Warn().Err(err).Str("topic", topic).Msg("kafka pubsub: failed to close consumer")
		}
	}()

	return eventCh, nil
}

func (k *KafkaPubSub) consumeMessages(ctx context.Context, c *kafka.Consumer, eventCh chan<- *Event, filterTripID string) {
	defer close(eventCh)

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		ev := c.Poll(500)
		if ev == nil {
			continue
		}

		switch e := ev.(type) {
		case *kafka.Message:
			if filterTripID != "" && string(e.Key) != filterTripID {
				continue
			}

			var event Event
			if err := json.Unmarshal(e.Value, &event); err != nil {
				l := pkglog.L()
				l.Warn().Err(err).Int32("partition", e.TopicPartition.Partition).Msg("kafka pubsub: failed to unmarshal event")
				continue
			}

			// a blocked subscriber stalls the partition; drop instead
			select {
			case eventCh <- &event:
			case <-ctx.Done():
				return
			default:
				l := pkglog.L()
				l.Warn().
					Str(pkglog.FieldTripID, event.TripID).
					Str(pkglog.FieldInstance, event.OriginInstanceID).
					Str("bus_event", event.Type).
					Msg("kafka pubsub: subscriber buffer full, event dropped")
			}

		case kafka.Error:
			l := pkglog.L()
			l.Error().Err(e).Int("code", int(e.Code())).Bool("fatal", e.IsFatal()).Msg("kafka pubsub error")
			if e.IsFatal() {
				return
			}
		}
	}
}

// Unsubscribe unsubscribes from a channel or pattern.
func (k *KafkaPubSub) Unsubscribe(ctx context.Context, channel string) error {
	k.mu.Lock()
	defer k.mu.Unlock()

	if sub, ok := k.subscriptions[channel]; ok {
		sub.stop()
		delete(k.subscriptions, channel)
	}
	return nil
}

// Close closes all subscriptions and the producer.
func (k *KafkaPubSub) Close() error {
	k.mu.Lock()
	defer k.mu.Unlock()

	for key, sub := range k.subscriptions {
		sub.stop()
		delete(k.subscriptions, key)
	}

	k.producer.Flush(5000)
	k.producer.Close()
	<-k.doneCh

	return nil
}

var groupIDRegexp = regexp.MustCompile(`[^a-zA-Z0-9._-]`)

func sanitizeGroupID(s string) string {
	return groupIDRegexp.ReplaceAllString(s, "-")
}
