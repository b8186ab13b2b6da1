package main

import (
	"context"
	"fmt"

	"github.com/ThreeDotsLabs/watermill-redisstream/pkg/redisstream"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/layer-3/miauth/adapters/events"
	"github.com/layer-3/miauth/adapters/store"
	"github.com/layer-3/miauth/config"
	"github.com/layer-3/miauth/ports"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

func openStore(ctx context.Context, cfg config.StoreConfig) (ports.KVStore, func(), error) {
	switch cfg.Driver {
	case "memory":
		return store.NewMemoryStore(), func() {}, nil
	case "sqlite":
		s, err := store.NewSQLiteStore(ctx, cfg.Path)
		if err != nil {
			return nil, nil, err
		}
		return s, func() { _ = s.Close() }, nil
	case "redis":
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to parse redis url: %w", err)
		}
		client := redis.NewClient(opts)
		return store.NewRedisStore(client), func() { _ = client.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}
}

func openPublisher(ctx context.Context, cfg config.EventsConfig, logger zerolog.Logger) (ports.EventPublisher, func(), error) {
	wmLogger := events.NewZerologAdapter(logger)

	switch cfg.Driver {
	case "none":
		return events.Discard{}, func() {}, nil
	case "gochannel":
		// In-process only; events end up in the log
		pubSub := gochannel.NewGoChannel(gochannel.Config{}, wmLogger)
		if err := events.Consume(ctx, pubSub, cfg.Topic, logger, events.LogEvent(logger)); err != nil {
			_ = pubSub.Close()
			return nil, nil, err
		}
		return events.NewWatermillPublisher(pubSub, cfg.Topic), func() { _ = pubSub.Close() }, nil
	case "redisstream":
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to parse redis url: %w", err)
		}
		client := redis.NewClient(opts)

		publisher, err := redisstream.NewPublisher(
			redisstream.PublisherConfig{
				Client: client,
			},
			wmLogger,
		)
		if err != nil {
			_ = client.Close()
			return nil, nil, fmt.Errorf("failed to create redis publisher: %w", err)
		}
		return events.NewWatermillPublisher(publisher, cfg.Topic), func() {
			_ = publisher.Close()
			_ = client.Close()
		}, nil
	default:
		return nil, nil, fmt.Errorf("unknown events driver %q", cfg.Driver)
	}
}
