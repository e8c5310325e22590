// Package ingest consumes telemetry snapshots from Kafka and appends
// them to the store. The snapshot primary key makes redelivered
// messages harmless, so offsets are committed only after a successful
// write.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/segmentio/kafka-go"

	"github.com/mossline/hydrod/internal/config"
	"github.com/mossline/hydrod/internal/store"
	"github.com/mossline/hydrod/internal/telemetry"
)

// Consumer reads snapshot messages from one topic.
type Consumer struct {
	reader *kafka.Reader
	store  *store.Store
	log    *slog.Logger
}

// New builds a consumer from ingest parameters.
func New(params config.IngestParams, st *store.Store, log *slog.Logger) *Consumer {
	return &Consumer{
		reader: kafka.NewReader(kafka.ReaderConfig{
			Brokers:  params.Brokers,
			Topic:    params.Topic,
			GroupID:  params.GroupID,
			MinBytes: 1,
			MaxBytes: 1 << 20,
		}),
		store: st,
		log:   log,
	}
}

// Run consumes until the context is cancelled. A malformed message is
// logged and skipped; a store failure stops the consumer so the
// message is redelivered after restart.
func (c *Consumer) Run(ctx context.Context) error {
	c.log.Info("ingest started", "topic", c.reader.Config().Topic)
	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return ctx.Err()
			}
			return fmt.Errorf("fetch message: %w", err)
		}

		snap, err := decodeSnapshot(msg.Value)
		if err != nil {
			c.log.Warn("skipping malformed snapshot",
				"partition", msg.Partition, "offset", msg.Offset, "error", err)
		} else if err := c.store.WriteSnapshot(ctx, snap); err != nil {
			return fmt.Errorf("write snapshot: %w", err)
		}

		if err := c.reader.CommitMessages(ctx, msg); err != nil {
			return fmt.Errorf("commit offset: %w", err)
		}
	}
}

// Close releases the underlying reader.
func (c *Consumer) Close() error {
	return c.reader.Close()
}

// decodeSnapshot parses and minimally validates a snapshot message.
// The zone and timestamp are the storage primary key and must be
// present; everything else is the sensor payload.
func decodeSnapshot(value []byte) (telemetry.Snapshot, error) {
	var snap telemetry.Snapshot
	if err := json.Unmarshal(value, &snap); err != nil {
		return telemetry.Snapshot{}, fmt.Errorf("parse snapshot: %w", err)
	}
	if snap.ZoneID == "" {
		return telemetry.Snapshot{}, errors.New("snapshot without zone_id")
	}
	if snap.Timestamp.IsZero() {
		return telemetry.Snapshot{}, errors.New("snapshot without timestamp")
	}
	return snap, nil
}
