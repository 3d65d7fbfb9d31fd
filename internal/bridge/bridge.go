// Package bridge links the local event bus to worker and vision nodes on
// other machines over Redis Streams.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/nidhogg/copartner/internal/config"
	"github.com/nidhogg/copartner/internal/event"
)

// Source tags events that arrived from a remote node so they are never
// mirrored back out.
const Source = "bridge"

const (
	component   = "workers"
	readCount   = 10
	readBlock   = 2 * time.Second
	maxBackoff  = 30 * time.Second
	streamLimit = 10000
)

// StatusSink receives connection transitions. The Core Manager satisfies it.
type StatusSink interface {
	SetUp(component string)
	SetDown(component, reason string)
}

// Bridge mirrors local events to an outbound stream and republishes events
// from an inbound stream on the local bus.
type Bridge struct {
	rdb      *redis.Client
	bus      *event.Bus
	outbound string
	inbound  string
	filter   event.Filter
	status   StatusSink
	logger   *zap.Logger

	connected atomic.Bool
	mirrored  atomic.Uint64
	received  atomic.Uint64
}

// New creates a bridge for cfg. The connection is not checked until Run.
func New(cfg config.RedisConfig, bus *event.Bus, status StatusSink, logger *zap.Logger) (*Bridge, error) {
	if cfg.URL == "" {
		return nil, errors.New("bridge: redis url is empty")
	}
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	return &Bridge{
		rdb:      redis.NewClient(opts),
		bus:      bus,
		outbound: cfg.Stream,
		inbound:  cfg.InboundStream,
		filter:   Outbound(),
		status:   status,
		logger:   logger,
	}, nil
}

// Outbound selects the kinds worth sharing with remote nodes: everything
// the assistant says or decides, never raw audio.
func Outbound() event.Filter {
	return event.Kinds(
		event.KindReply,
		event.KindStateChanged,
		event.KindDegraded,
		event.KindRestored,
		event.KindMemoryUpdated,
		event.KindTextInput,
		event.KindApproval,
		event.KindUserCancel,
	)
}

// Name implements core.Subsystem.
func (b *Bridge) Name() string { return component }

// Stats returns how many events went out and came in.
func (b *Bridge) Stats() (mirrored, received uint64) {
	return b.mirrored.Load(), b.received.Load()
}

// Run pumps events both ways until ctx is cancelled.
func (b *Bridge) Run(ctx context.Context) error {
	if err := b.rdb.Ping(ctx).Err(); err != nil {
		b.lost(err)
	} else {
		b.up()
	}

	sub := b.bus.Subscribe("bridge.outbound", b.filter)
	defer b.bus.Unsubscribe(sub)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return b.mirror(gctx, sub) })
	if b.inbound != "" {
		g.Go(func() error { return b.consume(gctx) })
	}
	err := g.Wait()
	if ctx.Err() != nil {
		return nil
	}
	return err
}

func (b *Bridge) mirror(ctx context.Context, sub *event.Subscription) error {
	for e := range sub.Events(ctx) {
		if e.Source == Source {
			continue
		}
		data, err := event.Marshal(e)
		if err != nil {
			b.logger.Warn("event not mirrored", zap.String("id", e.ID), zap.Error(err))
			continue
		}
		err = b.rdb.XAdd(ctx, &redis.XAddArgs{
			Stream: b.outbound,
			MaxLen: streamLimit,
			Approx: true,
			Values: map[string]any{"data": string(data)},
		}).Err()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			b.lost(err)
			continue
		}
		b.up()
		b.mirrored.Add(1)
		b.logger.Debug("mirrored event",
			zap.String("kind", string(e.Kind)),
			zap.String("correlation_id", e.CorrelationID))
	}
	return nil
}

func (b *Bridge) consume(ctx context.Context) error {
	lastID := "$"
	backoff := time.Second
	for {
		results, err := b.rdb.XRead(ctx, &redis.XReadArgs{
			Streams: []string{b.inbound, lastID},
			Count:   readCount,
			Block:   readBlock,
		}).Result()
		switch {
		case ctx.Err() != nil:
			return nil
		case errors.Is(err, redis.Nil):
			continue
		case err != nil:
			b.lost(err)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(backoff):
			}
			backoff = min(backoff*2, maxBackoff)
			continue
		}
		backoff = time.Second
		b.up()

		for _, r := range results {
			for _, msg := range r.Messages {
				lastID = msg.ID
				b.deliver(msg)
			}
		}
	}
}

func (b *Bridge) deliver(msg redis.XMessage) {
	data, ok := msg.Values["data"].(string)
	if !ok {
		b.logger.Warn("inbound entry without data", zap.String("entry", msg.ID))
		return
	}
	e, err := event.Unmarshal([]byte(data))
	if err != nil {
		b.logger.Warn("inbound event rejected", zap.String("entry", msg.ID), zap.Error(err))
		return
	}
	e.Source = Source
	if err := b.bus.Publish(e); err != nil {
		b.logger.Warn("inbound event not published", zap.String("id", e.ID), zap.Error(err))
		return
	}
	b.received.Add(1)
}

func (b *Bridge) up() {
	if b.connected.Swap(true) {
		return
	}
	b.logger.Info("redis bridge connected",
		zap.String("outbound", b.outbound),
		zap.String("inbound", b.inbound))
	if b.status != nil {
		b.status.SetUp(component)
	}
}

func (b *Bridge) lost(err error) {
	wasUp := b.connected.Swap(false)
	b.logger.Warn("redis bridge unreachable", zap.Bool("was_connected", wasUp), zap.Error(err))
	if b.status != nil {
		b.status.SetDown(component, "The worker bridge lost its Redis connection.")
	}
}

// Close shuts down the Redis connection.
func (b *Bridge) Close() error {
	return b.rdb.Close()
}
