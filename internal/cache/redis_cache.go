package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/LeventeLantos/whatsapp-dispatch/internal/model"
)

type RedisTemplateCache struct {
	rdb *redis.Client
	ttl time.Duration
}

func NewRedisTemplateCache(rdb *redis.Client, ttl time.Duration) *RedisTemplateCache {
	return &RedisTemplateCache{rdb: rdb, ttl: ttl}
}

type templateValue struct {
	ProviderID    string    `json:"providerId"`
	Category      string    `json:"category"`
	Status        string    `json:"status"`
	Language      string    `json:"language"`
	VariableCount int       `json:"variableCount"`
	BusinessID    *int64    `json:"businessId,omitempty"`
	SyncedAt      time.Time `json:"syncedAt"`
}

func templateKey(name string) string {
	return fmt.Sprintf("tmpl:%s", name)
}

func (c *RedisTemplateCache) Get(ctx context.Context, name string) (*model.Template, error) {
	raw, err := c.rdb.Get(ctx, templateKey(name)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var val templateValue
	if err := json.Unmarshal(raw, &val); err != nil {
		return nil, err
	}
	return &model.Template{
		Name:          name,
		ProviderID:    val.ProviderID,
		Category:      val.Category,
		Status:        val.Status,
		Language:      val.Language,
		VariableCount: val.VariableCount,
		BusinessID:    val.BusinessID,
		SyncedAt:      val.SyncedAt,
	}, nil
}

func (c *RedisTemplateCache) Store(ctx context.Context, t *model.Template) error {
	b, err := json.Marshal(templateValue{
		ProviderID:    t.ProviderID,
		Category:      t.Category,
		Status:        t.Status,
		Language:      t.Language,
		VariableCount: t.VariableCount,
		BusinessID:    t.BusinessID,
		SyncedAt:      t.SyncedAt.UTC(),
	})
	if err != nil {
		return err
	}
	return c.rdb.Set(ctx, templateKey(t.Name), b, c.ttl).Err()
}
