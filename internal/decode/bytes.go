// Package decode provides Decoder and Encoder implementations for the cache
// tiers: a pass-through byte decoder and an image decoder that bounds the
// number of concurrent decodes.
package decode

import (
	"context"
	"io"
	"os"

	"github.com/tiercache/tiercache/pkg/errors"
	"github.com/tiercache/tiercache/pkg/types"
)

// Bytes is a Decoder and Encoder that stores payloads as they are
type Bytes struct{}

var (
	_ types.Decoder[[]byte] = Bytes{}
	_ types.Encoder[[]byte] = Bytes{}
)

// Decode returns a private copy of data
func (Bytes) Decode(ctx context.Context, data []byte) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return append([]byte(nil), data...), nil
}

// DecodeReader reads r to EOF
func (Bytes) DecodeReader(ctx context.Context, r io.Reader) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeStorageRead, "failed to read payload").WithComponent("decode")
	}
	return data, nil
}

// Encode returns value unchanged
func (Bytes) Encode(value []byte) ([]byte, error) {
	return value, nil
}

// Weigh charges a byte payload its length
func (Bytes) Weigh(_ types.CacheKey, value []byte) int64 {
	return int64(len(value))
}

// DecodeFile opens path and decodes it with d
func DecodeFile[V any](ctx context.Context, d types.Decoder[V], path string) (V, error) {
	var zero V
	f, err := os.Open(path)
	if err != nil {
		return zero, errors.Wrap(err, errors.ErrCodeStorageRead, "failed to open cached file").
			WithComponent("decode").WithContext("path", path)
	}
	defer f.Close()
	return d.DecodeReader(ctx, f)
}
