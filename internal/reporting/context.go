package reporting

import (
	"context"
	"maps"
	"time"
)

type metaContextKey struct{}

// Meta is request-scoped data attached to every report captured under a context.
type Meta struct {
	tags      map[string]string
	extras    map[string]string
	startedAt time.Time
}

// MetaFromContext returns a copy of the meta stored on ctx.
func MetaFromContext(ctx context.Context) Meta {
	meta, ok := ctx.Value(metaContextKey{}).(Meta)
	if !ok {
		return Meta{
			tags:   make(map[string]string),
			extras: make(map[string]string),
		}
	}
	return Meta{
		tags:      maps.Clone(meta.tags),
		extras:    maps.Clone(meta.extras),
		startedAt: meta.startedAt,
	}
}

func withMeta(ctx context.Context, meta Meta) context.Context {
	return context.WithValue(ctx, metaContextKey{}, meta)
}

func setStartedAtInContext(ctx context.Context, startedAt time.Time) context.Context {
	meta := MetaFromContext(ctx)
	meta.startedAt = startedAt
	return withMeta(ctx, meta)
}

// AddTagsToContext merges tags into the meta on ctx.
func AddTagsToContext(ctx context.Context, tags map[string]string) context.Context {
	meta := MetaFromContext(ctx)
	for k, v := range tags {
		meta.tags[k] = v
	}
	return withMeta(ctx, meta)
}

// AddExtrasToContext merges extras into the meta on ctx.
func AddExtrasToContext(ctx context.Context, extras map[string]string) context.Context {
	meta := MetaFromContext(ctx)
	for k, v := range extras {
		meta.extras[k] = v
	}
	return withMeta(ctx, meta)
}
