package clog

import (
	"context"
	"sync"
)

// attrStore carries per-request log attributes. Handlers read it back via
// GetAttributes, so values added anywhere downstream of the middleware show
// up on every record for that request.
type attrStore struct {
	mu    sync.RWMutex
	attrs map[string]any
}

type attrStoreKey struct{}

func ContextWithSlog(ctx context.Context) context.Context {
	return context.WithValue(ctx, attrStoreKey{}, &attrStore{attrs: map[string]any{}})
}

func AddAttribute(ctx context.Context, key string, value any) {
	s, ok := ctx.Value(attrStoreKey{}).(*attrStore)
	if !ok {
		return
	}
	s.mu.Lock()
	s.attrs[key] = value
	s.mu.Unlock()
}

func AddAttributes(ctx context.Context, attributes map[string]any) {
	s, ok := ctx.Value(attrStoreKey{}).(*attrStore)
	if !ok {
		return
	}
	s.mu.Lock()
	for k, v := range attributes {
		s.attrs[k] = v
	}
	s.mu.Unlock()
}

func GetAttributes(ctx context.Context) map[string]any {
	s, ok := ctx.Value(attrStoreKey{}).(*attrStore)
	if !ok {
		return nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	copied := make(map[string]any, len(s.attrs))
	for k, v := range s.attrs {
		copied[k] = v
	}
	return copied
}

const (
	ErrorAttributeKey = "error.message"
	StackAttributeKey = "error.stack"
)

func AddError(ctx context.Context, err error) {
	AddAttribute(ctx, ErrorAttributeKey, err)
}

func AddStack(ctx context.Context, stack string) {
	AddAttribute(ctx, StackAttributeKey, stack)
}
