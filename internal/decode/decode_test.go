package decode

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tiercache/tiercache/pkg/errors"
)

func encodePNG(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	img.Set(1, 1, color.RGBA{R: 255, A: 255})
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func TestBytes(t *testing.T) {
	ctx := context.Background()
	src := []byte("payload")

	out, err := Bytes{}.Decode(ctx, src)
	require.NoError(t, err)
	assert.Equal(t, src, out)
	out[0] = 'P'
	assert.Equal(t, byte('p'), src[0], "decode returns a copy")

	out, err = Bytes{}.DecodeReader(ctx, bytes.NewReader(src))
	require.NoError(t, err)
	assert.Equal(t, src, out)

	enc, err := Bytes{}.Encode(src)
	require.NoError(t, err)
	assert.Equal(t, src, enc)
	assert.Equal(t, int64(7), Bytes{}.Weigh("k", src))

	canceled, cancel := context.WithCancel(ctx)
	cancel()
	_, err = Bytes{}.Decode(canceled, src)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestDecodeFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "entry")
	require.NoError(t, os.WriteFile(path, []byte("on disk"), 0600))

	out, err := DecodeFile[[]byte](context.Background(), Bytes{}, path)
	require.NoError(t, err)
	assert.Equal(t, []byte("on disk"), out)

	_, err = DecodeFile[[]byte](context.Background(), Bytes{}, filepath.Join(t.TempDir(), "missing"))
	assert.True(t, errors.HasCode(err, errors.ErrCodeStorageRead))
}

func TestImageDecoder_Formats(t *testing.T) {
	d := NewImageDecoder(ImageConfig{})
	ctx := context.Background()

	img, err := d.Decode(ctx, encodePNG(t, 8, 4))
	require.NoError(t, err)
	assert.Equal(t, image.Rect(0, 0, 8, 4), img.Bounds())
	assert.Equal(t, int64(8*4*4), d.Weigh("k", img))

	var jpg bytes.Buffer
	require.NoError(t, jpeg.Encode(&jpg, image.NewGray(image.Rect(0, 0, 16, 16)), nil))
	img, err = d.DecodeReader(ctx, bytes.NewReader(jpg.Bytes()))
	require.NoError(t, err)
	assert.Equal(t, 16, img.Bounds().Dx())

	_, err = d.Decode(ctx, []byte("definitely not an image"))
	assert.True(t, errors.HasCode(err, errors.ErrCodeDecodeFailed), "got %v", err)
	assert.Equal(t, uint64(2), d.Stats().Decoded)
	assert.Equal(t, uint64(1), d.Stats().Failed)
}

func TestImageDecoder_MaxPixels(t *testing.T) {
	d := NewImageDecoder(ImageConfig{MaxPixels: 100})
	ctx := context.Background()

	_, err := d.Decode(ctx, encodePNG(t, 10, 10))
	assert.NoError(t, err)

	_, err = d.Decode(ctx, encodePNG(t, 20, 10))
	assert.True(t, errors.HasCode(err, errors.ErrCodeDecodeFailed))
	assert.Equal(t, uint64(1), d.Stats().Rejected)
}

func TestImageDecoder_EncodeRoundTrip(t *testing.T) {
	d := NewImageDecoder(ImageConfig{})
	img, err := d.Decode(context.Background(), encodePNG(t, 3, 3))
	require.NoError(t, err)

	data, err := d.Encode(img)
	require.NoError(t, err)
	again, err := d.Decode(context.Background(), data)
	require.NoError(t, err)
	assert.Equal(t, img.At(1, 1), again.At(1, 1))

	_, err = d.Encode(nil)
	assert.True(t, errors.HasCode(err, errors.ErrCodeInvalidArgument))
}

// blockingReader parks inside image decoding until released
type blockingReader struct {
	release <-chan struct{}
	inside  *atomic.Int32
	peak    *atomic.Int32
	data    *bytes.Reader
	entered bool
}

func (r *blockingReader) Read(p []byte) (int, error) {
	if !r.entered {
		r.entered = true
		n := r.inside.Add(1)
		for {
			peak := r.peak.Load()
			if n <= peak || r.peak.CompareAndSwap(peak, n) {
				break
			}
		}
		<-r.release
		r.inside.Add(-1)
	}
	return r.data.Read(p)
}

func TestImageDecoder_PermitsBoundConcurrency(t *testing.T) {
	d := NewImageDecoder(ImageConfig{Permits: 2})
	payload := encodePNG(t, 2, 2)
	release := make(chan struct{})
	var inside, peak atomic.Int32

	var wg sync.WaitGroup
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r := &blockingReader{release: release, inside: &inside, peak: &peak, data: bytes.NewReader(payload)}
			_, err := d.DecodeReader(context.Background(), r)
			assert.NoError(t, err)
		}()
	}

	require.Eventually(t, func() bool { return inside.Load() == 2 }, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(2), inside.Load())
	close(release)
	wg.Wait()
	assert.Equal(t, int32(2), peak.Load())
}

func TestImageDecoder_PermitWaitHonorsContext(t *testing.T) {
	d := NewImageDecoder(ImageConfig{Permits: 1})
	release := make(chan struct{})
	var inside, peak atomic.Int32
	payload := encodePNG(t, 1, 1)
	done := make(chan struct{})
	go func() {
		defer close(done)
		r := &blockingReader{release: release, inside: &inside, peak: &peak, data: bytes.NewReader(payload)}
		_, _ = d.DecodeReader(context.Background(), r)
	}()
	require.Eventually(t, func() bool { return inside.Load() == 1 }, time.Second, time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := d.Decode(ctx, payload)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	close(release)
	<-done
}
