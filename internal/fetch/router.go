package fetch

import (
	"context"
	"net/url"
	"strings"

	"github.com/tiercache/tiercache/pkg/errors"
	"github.com/tiercache/tiercache/pkg/types"
)

// Router dispatches a locator to the fetcher registered for its URL scheme
type Router struct {
	schemes map[string]types.Fetcher
}

// NewRouter creates an empty router
func NewRouter() *Router {
	return &Router{schemes: make(map[string]types.Fetcher)}
}

// Handle registers f for each of the given schemes
func (r *Router) Handle(f types.Fetcher, schemes ...string) *Router {
	for _, s := range schemes {
		r.schemes[strings.ToLower(s)] = f
	}
	return r
}

// Fetch implements types.Fetcher
func (r *Router) Fetch(ctx context.Context, locator string) ([]byte, error) {
	u, err := url.Parse(locator)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInvalidArgument, "malformed locator").
			WithComponent("fetch").WithContext("locator", locator)
	}
	f, ok := r.schemes[strings.ToLower(u.Scheme)]
	if !ok {
		return nil, errors.Newf(errors.ErrCodeInvalidArgument, "no fetcher for scheme %q", u.Scheme).
			WithComponent("fetch").WithContext("locator", locator)
	}
	return f.Fetch(ctx, locator)
}
