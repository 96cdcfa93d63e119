package tracking

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/synaptica-ai/ctscan/pkg/common/database"
)

const (
	redisRunKeyPrefix = "ctscan:runs:"
	redisRunIndex     = "ctscan:runs"
	redisIndexLength  = 100
)

// RedisSink stores each run as a JSON document and keeps the most recent
// run ids in a capped list.
type RedisSink struct {
	client *redis.Client
	log    logrus.FieldLogger
}

func NewRedisSink(ctx context.Context, uri string, log logrus.FieldLogger) (*RedisSink, error) {
	log = log.WithField("sink", "redis")
	client, err := database.OpenRedis(ctx, uri, log)
	if err != nil {
		return nil, err
	}
	return &RedisSink{client: client, log: log}, nil
}

func (s *RedisSink) Record(ctx context.Context, run Run) error {
	doc, err := json.Marshal(runDocument(run))
	if err != nil {
		return fmt.Errorf("encoding run: %w", err)
	}
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, redisRunKeyPrefix+run.ID, doc, 0)
		pipe.LPush(ctx, redisRunIndex, run.ID)
		pipe.LTrim(ctx, redisRunIndex, 0, redisIndexLength-1)
		return nil
	})
	if err != nil {
		return fmt.Errorf("storing run %s: %w", run.ID, err)
	}
	s.log.WithField("run_id", run.ID).Info("run recorded")
	return nil
}

func (s *RedisSink) Close() error {
	return s.client.Close()
}
