/*
Package tiercache is a two-tier content cache for remote resources.

Values are addressed by locator (an http, https or s3 URL). A load consults
the memory tier, then the disk tier, then the network, according to an
access policy:

	NORMAL      memory, disk, network; fills both tiers
	CACHE_ONLY  memory, disk; NOT_FOUND when neither has it
	PRE_FETCH   network into disk only; used by Preload
	REFRESH     network first, falls back to the cached copy on failure

Concurrent loads of the same key share one in-flight operation. Memory is a
weighted LRU sized by a capacity policy; disk entries are files named by the
SHA-256 of the locator and purged by age.

Basic usage:

	cfg := config.NewDefault()
	c, err := tiercache.New[[]byte](cfg, tiercache.Dependencies[[]byte]{
		Decoder: decode.Bytes{},
		Logger:  logger,
	})
	if err != nil {
		return err
	}
	defer c.Close(context.Background())

	res, err := c.Get(ctx, "https://example.com/tile.png", types.PolicyNormal)

Get blocks until a result is available; GetAsync returns a handle that can
be waited on or cancelled.
*/
package tiercache
