package database

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// OpenRedis connects to a redis:// URL and pings it.
func OpenRedis(ctx context.Context, uri string, log logrus.FieldLogger) (*redis.Client, error) {
	opts, err := redis.ParseURL(uri)
	if err != nil {
		return nil, fmt.Errorf("parsing redis url: %w", err)
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		log.WithError(err).Error("Failed to connect to Redis")
		client.Close()
		return nil, err
	}
	log.WithField("addr", opts.Addr).Info("Connected to Redis")
	return client, nil
}
