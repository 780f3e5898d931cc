package translate

import (
	"context"

	lru "github.com/hashicorp/golang-lru/v2"
)

type cacheKey struct {
	text   string
	source string
	target string
}

// Cached remembers recent translations. Repeated phrases ("yes", "thank
// you") skip the round trip to the backend.
type Cached struct {
	next  Translator
	cache *lru.Cache[cacheKey, string]
}

// NewCached wraps next with an LRU of the given size. A size of zero or less
// returns next unchanged.
func NewCached(next Translator, size int) (Translator, error) {
	if size <= 0 {
		return next, nil
	}
	cache, err := lru.New[cacheKey, string](size)
	if err != nil {
		return nil, err
	}
	return &Cached{next: next, cache: cache}, nil
}

func (c *Cached) Translate(ctx context.Context, req Request) (string, error) {
	key := cacheKey{text: req.Text, source: req.Source, target: req.Target}
	if out, ok := c.cache.Get(key); ok {
		return out, nil
	}
	out, err := c.next.Translate(ctx, req)
	if err != nil {
		return "", err
	}
	c.cache.Add(key, out)
	return out, nil
}

// Len reports the number of cached entries.
func (c *Cached) Len() int { return c.cache.Len() }
