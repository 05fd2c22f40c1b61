package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/ent0n29/realtime-gateway/internal/clinic"
	"github.com/ent0n29/realtime-gateway/internal/config"
	"github.com/ent0n29/realtime-gateway/internal/events"
	"github.com/ent0n29/realtime-gateway/internal/logging"
	"github.com/ent0n29/realtime-gateway/internal/ratelimit"
)

// BackendInfo names the backends selected at startup.
type BackendInfo struct {
	Store     string
	Events    string
	RateLimit string
}

type backends struct {
	store     clinic.Store
	publisher events.Publisher
	limiter   ratelimit.Limiter
	redis     *redis.Client
	info      BackendInfo
}

func resolveBackends(ctx context.Context, cfg config.Config, log zerolog.Logger) (*backends, error) {
	b := &backends{}

	storeBackend := strings.ToLower(strings.TrimSpace(cfg.ClinicStore))
	if storeBackend == "" {
		storeBackend = "memory"
	}
	store, err := clinic.NewStore(ctx, clinic.StoreConfig{
		Backend:       storeBackend,
		DatabaseURL:   cfg.DatabaseURL,
		MongoURI:      cfg.MongoURI,
		MongoDatabase: cfg.MongoDatabase,
	})
	if err != nil {
		return nil, fmt.Errorf("clinic store init failed: %w", err)
	}
	b.store = store
	b.info.Store = storeBackend

	if strings.TrimSpace(cfg.NATSURL) != "" {
		pub, err := events.NewNATSPublisher(events.NATSConfig{
			URL:           cfg.NATSURL,
			SubjectPrefix: cfg.NATSSubjectPrefix,
			Name:          cfg.ServiceName,
		}, logging.Component(log, "events"))
		if err != nil {
			_ = b.close()
			return nil, fmt.Errorf("nats publisher init failed: %w", err)
		}
		b.publisher = pub
		b.info.Events = "nats"
	} else {
		b.publisher = events.NewLogPublisher(logging.Component(log, "events"))
		b.info.Events = "log"
	}

	switch {
	case cfg.RateLimitPerMinute <= 0:
		b.info.RateLimit = "disabled"
	case strings.TrimSpace(cfg.RedisAddr) != "":
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := rdb.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			_ = rdb.Close()
			_ = b.close()
			return nil, fmt.Errorf("redis ping failed: %w", err)
		}
		b.redis = rdb
		b.limiter = ratelimit.NewRedis(rdb, cfg.RateLimitPerMinute, time.Minute)
		b.info.RateLimit = "redis"
	default:
		b.limiter = ratelimit.NewMemory(cfg.RateLimitPerMinute, time.Minute)
		b.info.RateLimit = "memory"
	}

	return b, nil
}

func (b *backends) close() error {
	var errs []error
	if b.publisher != nil {
		if err := b.publisher.Close(); err != nil {
			errs = append(errs, fmt.Errorf("events: %w", err))
		}
	}
	if b.redis != nil {
		if err := b.redis.Close(); err != nil {
			errs = append(errs, fmt.Errorf("redis: %w", err))
		}
	}
	if b.store != nil {
		if err := b.store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("clinic store: %w", err))
		}
	}
	return errors.Join(errs...)
}
