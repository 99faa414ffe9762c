// Package natslog keeps the event log in a NATS JetStream stream bounded
// by MaxBytes with the discard-old policy.
package natslog

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/motorblog/blogcache/cfg"
	"github.com/motorblog/blogcache/eventlog"
	"github.com/motorblog/blogcache/events"
	"github.com/motorblog/blogcache/notify"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog/log"
)

func init() {
	eventlog.RegisterBackend(cfg.BackendNats, func(c *cfg.Configuration, _ *notify.Hub) (eventlog.Log, error) {
		return Open(c.EventLog.Nats.URL, c.EventLog.Nats.Stream, c.EventLog.Nats.Subject, c.EventLog.CapBytes)
	})
}

// fetchWait bounds each pull so Next notices ctx cancellation
const fetchWait = 500 * time.Millisecond

// Log is a JetStream-backed event log
type Log struct {
	nc       *nats.Conn
	js       jetstream.JetStream
	stream   string
	subject  string
	capBytes int64
}

// Open connects to NATS. The stream is created by EnsureCreated.
func Open(url, stream, subject string, capBytes int64) (*Log, error) {
	nc, err := nats.Connect(url,
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	return &Log{
		nc:       nc,
		js:       js,
		stream:   stream,
		subject:  subject,
		capBytes: capBytes,
	}, nil
}

// streamConfig is the bounded stream this log provisions
func streamConfig(stream, subject string, capBytes int64) jetstream.StreamConfig {
	return jetstream.StreamConfig{
		Name:      stream,
		Subjects:  []string{subject},
		Storage:   jetstream.FileStorage,
		Retention: jetstream.LimitsPolicy,
		MaxBytes:  capBytes,
		Discard:   jetstream.DiscardOld,
	}
}

// checkBounded rejects streams that would grow without limit
func checkBounded(info *jetstream.StreamInfo) error {
	if info.Config.MaxBytes <= 0 {
		return eventlog.Misprovisioned(
			"JetStream stream %q has no max_bytes limit; delete it or set max_bytes and discard=old",
			info.Config.Name)
	}
	if info.Config.Discard != jetstream.DiscardOld {
		return eventlog.Misprovisioned(
			"JetStream stream %q rejects writes when full; set discard=old", info.Config.Name)
	}
	return nil
}

// EnsureCreated implements eventlog.Log
func (l *Log) EnsureCreated(ctx context.Context) error {
	s, err := l.js.Stream(ctx, l.stream)
	if errors.Is(err, jetstream.ErrStreamNotFound) {
		if l.capBytes <= 0 {
			return eventlog.Misprovisioned("event log %q needs a positive event_log.cap_bytes", l.stream)
		}
		_, err = l.js.CreateStream(ctx, streamConfig(l.stream, l.subject, l.capBytes))
		if err != nil && !errors.Is(err, jetstream.ErrStreamNameAlreadyInUse) {
			return fmt.Errorf("failed to create stream %s: %w", l.stream, err)
		}
		log.Info().
			Str("stream", l.stream).
			Int64("cap_bytes", l.capBytes).
			Msg("Created bounded event log")
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to look up stream %s: %w", l.stream, err)
	}

	info, err := s.Info(ctx)
	if err != nil {
		return fmt.Errorf("failed to read stream %s: %w", l.stream, err)
	}
	return checkBounded(info)
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

	ack, err := l.js.Publish(ctx, l.subject, data)
	if err != nil {
		return events.Record{}, fmt.Errorf("failed to publish to %s: %w", l.subject, err)
	}

	rec.Position = ack.Sequence
	return rec, nil
}

// consumerConfig positions an ordered consumer at cursor
func consumerConfig(subject string, cursor events.Cursor) jetstream.OrderedConsumerConfig {
	cc := jetstream.OrderedConsumerConfig{
		FilterSubjects: []string{subject},
		DeliverPolicy:  jetstream.DeliverAllPolicy,
	}
	switch {
	case cursor.Position > 0:
		cc.DeliverPolicy = jetstream.DeliverByStartSequencePolicy
		cc.OptStartSeq = cursor.Position + 1
	case !cursor.Since.IsZero():
		since := cursor.Since
		cc.DeliverPolicy = jetstream.DeliverByStartTimePolicy
		cc.OptStartTime = &since
	}
	return cc
}

// Follow implements eventlog.Log
func (l *Log) Follow(ctx context.Context, cursor events.Cursor) (eventlog.Stream, error) {
	s, err := l.js.Stream(ctx, l.stream)
	if err != nil {
		return nil, fmt.Errorf("failed to open stream %s: %w", l.stream, err)
	}

	info, err := s.Info(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read stream %s: %w", l.stream, err)
	}
	cursor = cursor.Resolve(info.State.LastSeq)

	cons, err := s.OrderedConsumer(ctx, consumerConfig(l.subject, cursor))
	if err != nil {
		return nil, fmt.Errorf("failed to create consumer on %s: %w", l.stream, err)
	}

	return &stream{cons: cons, cursor: cursor}, nil
}

// Close implements eventlog.Log
func (l *Log) Close() error {
	if l.nc != nil {
		l.nc.Close()
	}
	return nil
}

type stream struct {
	cons   jetstream.Consumer
	cursor events.Cursor
}

// Next implements eventlog.Stream
func (s *stream) Next(ctx context.Context) (events.Record, error) {
	for {
		if err := ctx.Err(); err != nil {
			return events.Record{}, err
		}

		msg, err := s.cons.Next(jetstream.FetchMaxWait(fetchWait))
		if errors.Is(err, nats.ErrTimeout) || errors.Is(err, context.DeadlineExceeded) {
			continue
		}
		if err != nil {
			return events.Record{}, fmt.Errorf("failed to read stream: %w", err)
		}

		meta, err := msg.Metadata()
		if err != nil {
			return events.Record{}, fmt.Errorf("failed to read message metadata: %w", err)
		}

		rec, err := events.Decode(msg.Data())
		if err != nil {
			log.Warn().Err(err).Uint64("position", meta.Sequence.Stream).Msg("Skipping corrupted event record")
			continue
		}
		rec.Position = meta.Sequence.Stream

		// Start-time delivery may hand out records stamped just before Since
		if !s.cursor.Admits(rec) {
			continue
		}
		s.cursor = events.After(rec)
		return rec, nil
	}
}

// Close implements eventlog.Stream
func (s *stream) Close() error {
	return nil
}
