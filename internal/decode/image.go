package decode

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"image"
	_ "image/gif"  // register GIF
	_ "image/jpeg" // register JPEG
	"image/png"
	"io"
	"runtime"
	"sync/atomic"

	"golang.org/x/sync/semaphore"

	"github.com/tiercache/tiercache/pkg/errors"
	"github.com/tiercache/tiercache/pkg/types"
)

const headerPeek = 64 << 10

// ImageConfig configures an ImageDecoder
type ImageConfig struct {
	// Permits bounds concurrent decodes; 0 means runtime.NumCPU()
	Permits int64 `yaml:"permits"`
	// MaxPixels rejects images whose width*height exceeds it; 0 means no limit
	MaxPixels int64 `yaml:"max_pixels"`
}

// ImageStats counts decoder activity
type ImageStats struct {
	Decoded  uint64 `json:"decoded"`
	Rejected uint64 `json:"rejected"`
	Failed   uint64 `json:"failed"`
}

// ImageDecoder decodes PNG, JPEG and GIF payloads. Decoding is memory
// hungry, so at most Permits decodes run at once.
type ImageDecoder struct {
	permits   *semaphore.Weighted
	maxPixels int64

	decoded  atomic.Uint64
	rejected atomic.Uint64
	failed   atomic.Uint64
}

var (
	_ types.Decoder[image.Image] = (*ImageDecoder)(nil)
	_ types.Encoder[image.Image] = (*ImageDecoder)(nil)
)

// NewImageDecoder creates an image decoder
func NewImageDecoder(cfg ImageConfig) *ImageDecoder {
	if cfg.Permits <= 0 {
		cfg.Permits = int64(runtime.NumCPU())
	}
	return &ImageDecoder{
		permits:   semaphore.NewWeighted(cfg.Permits),
		maxPixels: cfg.MaxPixels,
	}
}

// Decode decodes an encoded image held in memory
func (d *ImageDecoder) Decode(ctx context.Context, data []byte) (image.Image, error) {
	return d.DecodeReader(ctx, bytes.NewReader(data))
}

// DecodeReader waits for a permit, checks the image header against the
// pixel limit and decodes the full image.
func (d *ImageDecoder) DecodeReader(ctx context.Context, r io.Reader) (image.Image, error) {
	if err := d.permits.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer d.permits.Release(1)

	br := bufio.NewReaderSize(r, headerPeek)
	if d.maxPixels > 0 {
		header, err := br.Peek(headerPeek)
		if err != nil && err != io.EOF && err != bufio.ErrBufferFull {
			d.failed.Add(1)
			return nil, errors.Wrap(err, errors.ErrCodeStorageRead, "failed to read image header").WithComponent("decode")
		}
		cfg, _, err := image.DecodeConfig(bytes.NewReader(header))
		if err != nil {
			d.failed.Add(1)
			return nil, errors.Wrap(err, errors.ErrCodeDecodeFailed, "unrecognized image header").WithComponent("decode")
		}
		if pixels := int64(cfg.Width) * int64(cfg.Height); pixels > d.maxPixels {
			d.rejected.Add(1)
			return nil, errors.Newf(errors.ErrCodeDecodeFailed, "image is %dx%d, limit is %d pixels", cfg.Width, cfg.Height, d.maxPixels).
				WithComponent("decode")
		}
	}

	img, _, err := image.Decode(br)
	if err != nil {
		d.failed.Add(1)
		return nil, errors.Wrap(err, errors.ErrCodeDecodeFailed, "failed to decode image").WithComponent("decode")
	}
	d.decoded.Add(1)
	return img, nil
}

// Encode re-encodes an image as PNG for the disk tier
func (d *ImageDecoder) Encode(img image.Image) ([]byte, error) {
	if img == nil {
		return nil, errors.NewError(errors.ErrCodeInvalidArgument, "nil image").WithComponent("decode")
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternalError, fmt.Sprintf("failed to encode %T", img)).
			WithComponent("decode")
	}
	return buf.Bytes(), nil
}

// Weigh charges an image four bytes per pixel
func (d *ImageDecoder) Weigh(_ types.CacheKey, img image.Image) int64 {
	if img == nil {
		return 0
	}
	b := img.Bounds()
	return int64(b.Dx()) * int64(b.Dy()) * 4
}

// Stats returns decoder counters
func (d *ImageDecoder) Stats() ImageStats {
	return ImageStats{
		Decoded:  d.decoded.Load(),
		Rejected: d.rejected.Load(),
		Failed:   d.failed.Load(),
	}
}
