// Package kafkalog keeps the event log in a single-partition Kafka topic
// bounded by retention.bytes. One partition keeps every process reading
// records in the same order.
package kafkalog

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/motorblog/blogcache/cfg"
	"github.com/motorblog/blogcache/eventlog"
	"github.com/motorblog/blogcache/events"
	"github.com/motorblog/blogcache/notify"
	"github.com/rs/zerolog/log"
	"github.com/segmentio/kafka-go"
)

func init() {
	eventlog.RegisterBackend(cfg.BackendKafka, func(c *cfg.Configuration, _ *notify.Hub) (eventlog.Log, error) {
		return Open(Config{
			Brokers:           c.EventLog.Kafka.Brokers,
			Topic:             c.EventLog.Kafka.Topic,
			ReplicationFactor: c.EventLog.Kafka.ReplicationFactor,
			CapBytes:          c.EventLog.CapBytes,
		})
	})
}

const (
	partition     = 0
	clientTimeout = 10 * time.Second
	readerMaxWait = 500 * time.Millisecond
)

// Config for a Kafka event log
type Config struct {
	Brokers           []string
	Topic             string
	ReplicationFactor int
	CapBytes          int64
}

// Log is a Kafka-backed event log
type Log struct {
	config Config
	client *kafka.Client
}

// Open creates a client for the brokers. The topic is created by EnsureCreated.
func Open(config Config) (*Log, error) {
	if len(config.Brokers) == 0 {
		return nil, fmt.Errorf("kafka event log requires at least one broker address")
	}
	if config.ReplicationFactor < 1 {
		config.ReplicationFactor = 1
	}

	return &Log{
		config: config,
		client: &kafka.Client{
			Addr:    kafka.TCP(config.Brokers...),
			Timeout: clientTimeout,
		},
	}, nil
}

// topicConfig is the bounded topic this log provisions
func topicConfig(config Config) kafka.TopicConfig {
	return kafka.TopicConfig{
		Topic:             config.Topic,
		NumPartitions:     1,
		ReplicationFactor: config.ReplicationFactor,
		ConfigEntries: []kafka.ConfigEntry{
			{ConfigName: "retention.bytes", ConfigValue: strconv.FormatInt(config.CapBytes, 10)},
			{ConfigName: "cleanup.policy", ConfigValue: "delete"},
		},
	}
}

// checkBounded rejects topics that would grow without limit or lose ordering
func checkBounded(topic string, partitions int, retentionBytes string) error {
	if partitions != 1 {
		return eventlog.Misprovisioned(
			"kafka topic %q has %d partitions; the event log needs exactly one", topic, partitions)
	}
	n, err := strconv.ParseInt(retentionBytes, 10, 64)
	if err != nil || n <= 0 {
		return eventlog.Misprovisioned(
			"kafka topic %q has retention.bytes=%q; delete it or set a positive retention.bytes", topic, retentionBytes)
	}
	return nil
}

// EnsureCreated implements eventlog.Log
func (l *Log) EnsureCreated(ctx context.Context) error {
	meta, err := l.client.Metadata(ctx, &kafka.MetadataRequest{Topics: []string{l.config.Topic}})
	if err != nil {
		return fmt.Errorf("failed to read kafka metadata: %w", err)
	}

	var topic *kafka.Topic
	for i := range meta.Topics {
		if meta.Topics[i].Name == l.config.Topic && meta.Topics[i].Error == nil {
			topic = &meta.Topics[i]
		}
	}

	if topic == nil {
		return l.createTopic(ctx)
	}

	resp, err := l.client.DescribeConfigs(ctx, &kafka.DescribeConfigsRequest{
		Resources: []kafka.DescribeConfigRequestResource{{
			ResourceType: kafka.ResourceTypeTopic,
			ResourceName: l.config.Topic,
			ConfigNames:  []string{"retention.bytes"},
		}},
	})
	if err != nil {
		return fmt.Errorf("failed to describe topic %s: %w", l.config.Topic, err)
	}

	retention := ""
	for _, res := range resp.Resources {
		if res.Error != nil {
			return fmt.Errorf("failed to describe topic %s: %w", l.config.Topic, res.Error)
		}
		for _, entry := range res.ConfigEntries {
			if entry.ConfigName == "retention.bytes" {
				retention = entry.ConfigValue
			}
		}
	}

	return checkBounded(l.config.Topic, len(topic.Partitions), retention)
}

func (l *Log) createTopic(ctx context.Context) error {
	if l.config.CapBytes <= 0 {
		return eventlog.Misprovisioned("event log %q needs a positive event_log.cap_bytes", l.config.Topic)
	}

	resp, err := l.client.CreateTopics(ctx, &kafka.CreateTopicsRequest{
		Topics: []kafka.TopicConfig{topicConfig(l.config)},
	})
	if err != nil {
		return fmt.Errorf("failed to create topic %s: %w", l.config.Topic, err)
	}
	if err := resp.Errors[l.config.Topic]; err != nil && !errors.Is(err, kafka.TopicAlreadyExists) {
		return fmt.Errorf("failed to create topic %s: %w", l.config.Topic, err)
	}

	log.Info().
		Str("topic", l.config.Topic).
		Int64("cap_bytes", l.config.CapBytes).
		Msg("Created bounded event log")
	return nil
}

// Append implements eventlog.Log
func (l *Log) Append(ctx context.Context, rec events.Record) (events.Record, error) {
	if err := events.ValidateName(rec.Name); err != nil {
		return events.Record{}, err
	}

	data, err := events.Encode(rec)
	if err != nil {
		return events.Record{}, fmt.Errorf("failed to marshal event: %w", err)
	}

	resp, err := l.client.Produce(ctx, &kafka.ProduceRequest{
		Topic:        l.config.Topic,
		Partition:    partition,
		RequiredAcks: kafka.RequireAll,
		Records:      kafka.NewRecordReader(kafka.Record{Value: kafka.NewBytes(data)}),
	})
	if err != nil {
		return events.Record{}, fmt.Errorf("failed to produce to %s: %w", l.config.Topic, err)
	}
	if resp.Error != nil {
		return events.Record{}, fmt.Errorf("failed to produce to %s: %w", l.config.Topic, resp.Error)
	}

	rec.Position = positionOf(resp.BaseOffset)
	return rec, nil
}

// positionOf maps a kafka offset to a 1-based log position
func positionOf(offset int64) uint64 {
	return uint64(offset) + 1
}

// offsetAfter is the first offset strictly after position
func offsetAfter(position uint64) int64 {
	return int64(position)
}

// Follow implements eventlog.Log
func (l *Log) Follow(ctx context.Context, cursor events.Cursor) (eventlog.Stream, error) {
	offsets, err := l.client.ListOffsets(ctx, &kafka.ListOffsetsRequest{
		Topics: map[string][]kafka.OffsetRequest{
			l.config.Topic: {kafka.LastOffsetOf(partition)},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read offsets of %s: %w", l.config.Topic, err)
	}

	var last uint64
	for _, po := range offsets.Topics[l.config.Topic] {
		if po.Error != nil {
			return nil, fmt.Errorf("failed to read offsets of %s: %w", l.config.Topic, po.Error)
		}
		// LastOffset is the next offset to be written, i.e. the last position
		last = uint64(po.LastOffset)
	}
	cursor = cursor.Resolve(last)

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:   l.config.Brokers,
		Topic:     l.config.Topic,
		Partition: partition,
		MinBytes:  1,
		MaxBytes:  1 << 20,
		MaxWait:   readerMaxWait,
	})

	switch {
	case cursor.Position > 0:
		err = reader.SetOffset(offsetAfter(cursor.Position))
	case !cursor.Since.IsZero():
		err = reader.SetOffsetAt(ctx, cursor.Since)
	default:
		err = reader.SetOffset(kafka.FirstOffset)
	}
	if err != nil {
		reader.Close()
		return nil, fmt.Errorf("failed to position reader on %s: %w", l.config.Topic, err)
	}

	return &stream{reader: reader, cursor: cursor}, nil
}

// Close implements eventlog.Log
func (l *Log) Close() error {
	return nil
}

type stream struct {
	reader *kafka.Reader
	cursor events.Cursor
}

// Next implements eventlog.Stream
func (s *stream) Next(ctx context.Context) (events.Record, error) {
	for {
		msg, err := s.reader.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return events.Record{}, ctx.Err()
			}
			return events.Record{}, fmt.Errorf("failed to read topic: %w", err)
		}

		rec, err := events.Decode(msg.Value)
		if err != nil {
			log.Warn().Err(err).Int64("offset", msg.Offset).Msg("Skipping corrupted event record")
			continue
		}
		rec.Position = positionOf(msg.Offset)

		if !s.cursor.Admits(rec) {
			continue
		}
		s.cursor = events.After(rec)
		return rec, nil
	}
}

// Close implements eventlog.Stream
func (s *stream) Close() error {
	return s.reader.Close()
}
