package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/LeventeLantos/whatsapp-dispatch/internal/cache"
	"github.com/LeventeLantos/whatsapp-dispatch/internal/model"
	"github.com/LeventeLantos/whatsapp-dispatch/internal/repo"
)

// TemplateSource lists the templates the provider currently knows about.
type TemplateSource interface {
	Templates(ctx context.Context) ([]model.Template, error)
}

// Templates resolves template metadata, preferring the cache over the store,
// and syncs the local catalogue from the provider.
type Templates struct {
	source TemplateSource
	store  repo.TemplateRepository
	cache  cache.TemplateCache
	log    *slog.Logger
	now    func() time.Time
}

func NewTemplates(source TemplateSource, store repo.TemplateRepository, c cache.TemplateCache, log *slog.Logger) *Templates {
	return &Templates{
		source: source,
		store:  store,
		cache:  c,
		log:    log,
		now:    time.Now,
	}
}

// Resolve looks a template up by name. Cache errors degrade to a store read;
// a store hit is written back to the cache.
func (t *Templates) Resolve(ctx context.Context, name string) (*model.Template, error) {
	if t.cache != nil {
		cached, err := t.cache.Get(ctx, name)
		if err != nil {
			t.log.Warn("template cache read failed", "template", name, "error", err)
		} else if cached != nil {
			return cached, nil
		}
	}

	tmpl, err := t.store.Get(ctx, name)
	if err != nil {
		return nil, err
	}

	if t.cache != nil {
		if err := t.cache.Store(ctx, tmpl); err != nil {
			t.log.Warn("template cache write failed", "template", name, "error", err)
		}
	}
	return tmpl, nil
}

// Sync pulls the provider's template list and upserts each entry into the
// store. Returns the number of templates synced.
func (t *Templates) Sync(ctx context.Context) (int, error) {
	list, err := t.source.Templates(ctx)
	if err != nil {
		return 0, fmt.Errorf("fetch templates: %w", err)
	}

	syncedAt := t.now().UTC()
	synced := 0
	for i := range list {
		tmpl := list[i]
		tmpl.SyncedAt = syncedAt
		if err := t.store.Upsert(ctx, &tmpl); err != nil {
			t.log.Warn("template upsert failed", "template", tmpl.Name, "error", err)
			continue
		}
		if t.cache != nil {
			if err := t.cache.Store(ctx, &tmpl); err != nil {
				t.log.Warn("template cache write failed", "template", tmpl.Name, "error", err)
			}
		}
		synced++
	}

	t.log.Info("template sync finished", "fetched", len(list), "synced", synced)
	return synced, nil
}
