package cache

import (
	"context"

	"github.com/LeventeLantos/whatsapp-dispatch/internal/model"
)

// TemplateCache keeps provider template metadata close to the dispatch loop.
// A miss is (nil, nil); callers fall back to the template store.
type TemplateCache interface {
	Get(ctx context.Context, name string) (*model.Template, error)
	Store(ctx context.Context, t *model.Template) error
}
