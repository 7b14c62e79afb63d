// Package cache provides the signed-report cache. Only final reports are
// cached: they are immutable apart from archival, so entries never need
// invalidation within their TTL.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/oncoscan/triage-server/internal/domain"
)

// Config holds the report cache settings. Redis is the optional shared tier;
// the in-process LRU always runs.
type Config struct {
	RedisURL  string
	RedisTTL  time.Duration
	LocalSize int
}

// ReportCache is a two-tier read cache for signed cases keyed by case ID.
type ReportCache struct {
	local *lru.Cache[string, *domain.Case]
	redis *redis.Client
	ttl   time.Duration
	log   *logrus.Logger
}

// NewReportCache creates the cache. An empty RedisURL disables the shared
// tier without error; a malformed one fails.
func NewReportCache(config Config, logger *logrus.Logger) (*ReportCache, error) {
	size := config.LocalSize
	if size <= 0 {
		size = 512
	}
	local, err := lru.New[string, *domain.Case](size)
	if err != nil {
		return nil, fmt.Errorf("creating local cache: %w", err)
	}

	c := &ReportCache{
		local: local,
		ttl:   config.RedisTTL,
		log:   logger,
	}

	if config.RedisURL != "" {
		opts, err := redis.ParseURL(config.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("parsing redis URL: %w", err)
		}
		c.redis = redis.NewClient(opts)
	}

	return c, nil
}

// Get returns the cached signed case, promoting shared-tier hits into the
// local tier. A miss returns (nil, false).
func (c *ReportCache) Get(ctx context.Context, id string) (*domain.Case, bool) {
	if cached, ok := c.local.Get(id); ok {
		return cached.Clone(), true
	}

	if c.redis == nil {
		return nil, false
	}

	body, err := c.redis.Get(ctx, reportKey(id)).Bytes()
	if err != nil {
		if err != redis.Nil {
			c.log.WithFields(logrus.Fields{
				"case_id": id,
				"error":   err,
			}).Warn("Report cache read failed")
		}
		return nil, false
	}

	var cached domain.Case
	if err := json.Unmarshal(body, &cached); err != nil {
		c.log.WithFields(logrus.Fields{
			"case_id": id,
			"error":   err,
		}).Warn("Discarding undecodable cached report")
		return nil, false
	}

	c.local.Add(id, cached.Clone())
	return &cached, true
}

// Set caches the case in both tiers. Cases without a final report are
// ignored: a draft may still change, so it must always be read from the
// store.
func (c *ReportCache) Set(ctx context.Context, caseData *domain.Case) {
	if caseData == nil || caseData.ReportStatus != domain.ReportFinal {
		return
	}

	id := caseData.ID.String()
	c.local.Add(id, caseData.Clone())

	if c.redis == nil {
		return
	}

	body, err := json.Marshal(caseData)
	if err != nil {
		c.log.WithFields(logrus.Fields{
			"case_id": id,
			"error":   err,
		}).Warn("Failed to encode report for cache")
		return
	}
	if err := c.redis.Set(ctx, reportKey(id), body, c.ttl).Err(); err != nil {
		c.log.WithFields(logrus.Fields{
			"case_id": id,
			"error":   err,
		}).Warn("Report cache write failed")
	}
}

// Close releases the shared-tier connection.
func (c *ReportCache) Close() error {
	if c.redis != nil {
		return c.redis.Close()
	}
	return nil
}

func reportKey(id string) string {
	return "report:" + id
}
