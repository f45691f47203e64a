package service

import (
	"context"
	"errors"
	"testing"

	"github.com/LeventeLantos/whatsapp-dispatch/internal/model"
	"github.com/LeventeLantos/whatsapp-dispatch/internal/repo"
)

type mapCache struct {
	entries map[string]*model.Template
	err     error
	stores  int
}

func newMapCache() *mapCache {
	return &mapCache{entries: map[string]*model.Template{}}
}

func (c *mapCache) Get(ctx context.Context, name string) (*model.Template, error) {
	if c.err != nil {
		return nil, c.err
	}
	return c.entries[name], nil
}

func (c *mapCache) Store(ctx context.Context, t *model.Template) error {
	if c.err != nil {
		return c.err
	}
	c.stores++
	c.entries[t.Name] = t
	return nil
}

type fakeTemplateSource struct {
	list []model.Template
	err  error
}

func (s *fakeTemplateSource) Templates(ctx context.Context) ([]model.Template, error) {
	return s.list, s.err
}

func TestTemplates_ResolvePrefersCache(t *testing.T) {
	t.Parallel()

	store := repo.NewMemoryTemplateRepo()
	c := newMapCache()
	c.entries["order_update"] = &model.Template{Name: "order_update", Status: "Approved"}

	svc := NewTemplates(&fakeTemplateSource{}, store, c, testLogger())

	got, err := svc.Resolve(context.Background(), "order_update")
	if err != nil {
		t.Fatalf("Resolve() error: %v", err)
	}
	if got == nil || got.Status != "Approved" {
		t.Fatalf("expected the cached template, got %+v", got)
	}
}

func TestTemplates_ResolveFallsBackToStoreAndWarmsCache(t *testing.T) {
	t.Parallel()

	store := repo.NewMemoryTemplateRepo()
	if err := store.Upsert(context.Background(), &model.Template{Name: "order_update", Status: "Approved", VariableCount: 2}); err != nil {
		t.Fatalf("Upsert() error: %v", err)
	}
	c := newMapCache()

	svc := NewTemplates(&fakeTemplateSource{}, store, c, testLogger())

	got, err := svc.Resolve(context.Background(), "order_update")
	if err != nil {
		t.Fatalf("Resolve() error: %v", err)
	}
	if got.VariableCount != 2 {
		t.Fatalf("expected the stored template, got %+v", got)
	}
	if c.entries["order_update"] == nil {
		t.Fatalf("expected the cache warmed after a store hit")
	}
}

func TestTemplates_ResolveSurvivesCacheOutage(t *testing.T) {
	t.Parallel()

	store := repo.NewMemoryTemplateRepo()
	if err := store.Upsert(context.Background(), &model.Template{Name: "order_update", Status: "Approved"}); err != nil {
		t.Fatalf("Upsert() error: %v", err)
	}
	c := newMapCache()
	c.err = errors.New("connection refused")

	svc := NewTemplates(&fakeTemplateSource{}, store, c, testLogger())

	got, err := svc.Resolve(context.Background(), "order_update")
	if err != nil {
		t.Fatalf("Resolve() error: %v", err)
	}
	if got == nil {
		t.Fatalf("expected the store to answer when the cache is down")
	}
}

func TestTemplates_ResolveUnknownTemplate(t *testing.T) {
	t.Parallel()

	svc := NewTemplates(&fakeTemplateSource{}, repo.NewMemoryTemplateRepo(), newMapCache(), testLogger())

	_, err := svc.Resolve(context.Background(), "missing")
	if !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestTemplates_SyncUpsertsProviderCatalogue(t *testing.T) {
	t.Parallel()

	source := &fakeTemplateSource{list: []model.Template{
		{Name: "order_update", ProviderID: "184", Status: "Approved", VariableCount: 2},
		{Name: "welcome", ProviderID: "185", Status: "Pending"},
	}}
	store := repo.NewMemoryTemplateRepo()
	c := newMapCache()

	svc := NewTemplates(source, store, c, testLogger())

	n, err := svc.Sync(context.Background())
	if err != nil {
		t.Fatalf("Sync() error: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 templates synced, got %d", n)
	}

	got, err := store.Get(context.Background(), "order_update")
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if got.ProviderID != "184" || got.SyncedAt.IsZero() {
		t.Fatalf("expected synced template with provider id and timestamp, got %+v", got)
	}
	if c.stores != 2 {
		t.Fatalf("expected both templates cached, got %d", c.stores)
	}
}

func TestTemplates_SyncProviderFailure(t *testing.T) {
	t.Parallel()

	svc := NewTemplates(&fakeTemplateSource{err: errors.New("timeout")}, repo.NewMemoryTemplateRepo(), newMapCache(), testLogger())

	if _, err := svc.Sync(context.Background()); err == nil {
		t.Fatalf("expected provider failure to surface")
	}
}
