package pipeline

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/jpeg"
	"io"
	"os"
	"strconv"
	"sync"
	"testing"

	"github.com/cloud-importer/internal/models"
	"github.com/cloud-importer/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeFetcher struct {
	files map[string][]byte
	err   error
	calls int
}

func (f *fakeFetcher) Fetch(_ context.Context, id string, w io.Writer) (int64, error) {
	f.calls++
	if f.err != nil {
		return 0, f.err
	}
	data, ok := f.files[id]
	if !ok {
		return 0, errors.New("file not found")
	}
	n, err := w.Write(data)
	return int64(n), err
}

type fakeAssets struct {
	mu         sync.Mutex
	byHash     map[string]string
	persisted  []models.AssetMetadata
	sizes      []int64
	persistErr error
	nextID     int
}

func newFakeAssets() *fakeAssets { return &fakeAssets{byHash: map[string]string{}} }

func (a *fakeAssets) FindByHash(_ context.Context, hash string) (string, bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	id, ok := a.byHash[hash]
	return id, ok, nil
}

func (a *fakeAssets) Persist(_ context.Context, r io.Reader, size int64, meta models.AssetMetadata) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.persistErr != nil {
		return "", a.persistErr
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return "", err
	}
	if int64(len(data)) != size {
		return "", errors.New("size mismatch")
	}
	a.nextID++
	id := "asset-" + strconv.Itoa(a.nextID)
	a.byHash[meta.ContentHash] = id
	a.persisted = append(a.persisted, meta)
	a.sizes = append(a.sizes, size)
	return id, nil
}

func jpegBytes(t *testing.T, w, h int) []byte {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{R: uint8(x), G: uint8(y), B: 128, A: 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, jpeg.Encode(&buf, img, &jpeg.Options{Quality: 100}))
	return buf.Bytes()
}

func input(id, name, mime string, settings models.Settings) Input {
	return Input{
		File:     models.FileDescriptor{SourceID: id, DisplayName: name, MimeHint: mime},
		Settings: settings,
		OwnerID:  "owner-1",
		JobID:    "job-1",
	}
}

func noTransform() models.Settings {
	s := models.DefaultSettings()
	s.Transform = false
	return s
}

func TestPipeline_Success(t *testing.T) {
	assets := newFakeAssets()
	p := New(assets, t.TempDir())
	src := &fakeFetcher{files: map[string][]byte{"f1": jpegBytes(t, 8, 8)}}

	out := p.Process(context.Background(), src, input("f1", "2023-12-25_IMG_0001.jpg", "image/jpeg", noTransform()))
	assert.Equal(t, types.OutcomeSuccess, out.Status)
	assert.Equal(t, "asset-1", out.AssetID)
	assert.Equal(t, "Image of 0001", out.AltText)

	require.Len(t, assets.persisted, 1)
	meta := assets.persisted[0]
	assert.Equal(t, "owner-1", meta.ImportedBy)
	assert.Equal(t, "image/jpeg", meta.MimeType)
	assert.Len(t, meta.ContentHash, 64)
	assert.Equal(t, "Image of 0001", meta.Title)
}

func TestPipeline_RejectsNonImageBeforeFetch(t *testing.T) {
	p := New(newFakeAssets(), t.TempDir())
	src := &fakeFetcher{files: map[string][]byte{}}

	out := p.Process(context.Background(), src, input("f1", "notes.pdf", "application/pdf", noTransform()))
	assert.Equal(t, types.OutcomeFailed, out.Status)
	assert.Equal(t, types.ReasonUnsupportedType, out.Reason)
	assert.Equal(t, 0, src.calls)
}

func TestPipeline_SniffsWhenNoHint(t *testing.T) {
	assets := newFakeAssets()
	p := New(assets, t.TempDir())
	src := &fakeFetcher{files: map[string][]byte{
		"img": jpegBytes(t, 4, 4),
		"txt": []byte("just some text"),
	}}

	out := p.Process(context.Background(), src, input("img", "IMG0001", "", noTransform()))
	assert.Equal(t, types.OutcomeSuccess, out.Status)
	assert.Equal(t, "image/jpeg", assets.persisted[0].MimeType)

	out = p.Process(context.Background(), src, input("txt", "README", "", noTransform()))
	assert.Equal(t, types.OutcomeFailed, out.Status)
	assert.Equal(t, types.ReasonUnsupportedType, out.Reason)
}

func TestPipeline_FetchFailures(t *testing.T) {
	p := New(newFakeAssets(), t.TempDir())

	out := p.Process(context.Background(), &fakeFetcher{err: errors.New("401 unauthorized")},
		input("f1", "a.png", "image/png", noTransform()))
	assert.Equal(t, types.OutcomeFailed, out.Status)
	assert.Equal(t, types.ReasonFetchError, out.Reason)
	assert.Contains(t, out.Message, "401")

	out = p.Process(context.Background(), &fakeFetcher{files: map[string][]byte{"e": {}}},
		input("e", "a.png", "image/png", noTransform()))
	assert.Equal(t, types.ReasonFetchError, out.Reason)
}

func TestPipeline_DuplicateSkipped(t *testing.T) {
	assets := newFakeAssets()
	p := New(assets, t.TempDir())
	data := jpegBytes(t, 6, 6)
	src := &fakeFetcher{files: map[string][]byte{"a": data, "b": data}}

	first := p.Process(context.Background(), src, input("a", "a.jpg", "image/jpeg", noTransform()))
	second := p.Process(context.Background(), src, input("b", "copy of a.jpg", "image/jpeg", noTransform()))

	assert.Equal(t, types.OutcomeSuccess, first.Status)
	assert.Equal(t, types.OutcomeSkipped, second.Status)
	assert.Equal(t, types.ReasonDuplicate, second.Reason)
	assert.Len(t, assets.persisted, 1)

	// Without dedupe the copy is stored again
	s := noTransform()
	s.Dedupe = false
	third := p.Process(context.Background(), src, input("b", "copy of a.jpg", "image/jpeg", s))
	assert.Equal(t, types.OutcomeSuccess, third.Status)
}

func TestPipeline_Compresses(t *testing.T) {
	assets := newFakeAssets()
	p := New(assets, t.TempDir())
	data := jpegBytes(t, 300, 200)
	src := &fakeFetcher{files: map[string][]byte{"big": data}}

	settings := models.DefaultSettings()
	settings.MaxWidth = 60
	settings.MaxHeight = 60
	settings.Quality = 40

	out := p.Process(context.Background(), src, input("big", "big.jpg", "image/jpeg", settings))
	require.Equal(t, types.OutcomeSuccess, out.Status)
	require.NotNil(t, out.Transform)
	assert.True(t, out.Transform.Applied)
	assert.Less(t, assets.sizes[0], int64(len(data)))
	assert.Equal(t, int64(len(data)), assets.persisted[0].OriginalSize)
	assert.True(t, assets.persisted[0].Compressed)
	assert.Contains(t, out.Message, "compressed")
}

func TestPipeline_PersistFailure(t *testing.T) {
	assets := newFakeAssets()
	assets.persistErr = errors.New("bucket unavailable")
	p := New(assets, t.TempDir())
	src := &fakeFetcher{files: map[string][]byte{"f": jpegBytes(t, 4, 4)}}

	out := p.Process(context.Background(), src, input("f", "f.jpg", "image/jpeg", noTransform()))
	assert.Equal(t, types.OutcomeFailed, out.Status)
	assert.Equal(t, types.ReasonPersistError, out.Reason)
}

func TestPipeline_CleansUpTempFiles(t *testing.T) {
	dir := t.TempDir()
	p := New(newFakeAssets(), dir)
	src := &fakeFetcher{files: map[string][]byte{"f": jpegBytes(t, 4, 4)}}

	p.Process(context.Background(), src, input("f", "f.jpg", "image/jpeg", models.DefaultSettings()))
	p.Process(context.Background(), &fakeFetcher{err: errors.New("boom")}, input("f", "f.jpg", "image/jpeg", noTransform()))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestIsImage(t *testing.T) {
	assert.True(t, IsImage("a.JPG", ""))
	assert.True(t, IsImage("scan", "image/tiff"))
	assert.True(t, IsImage("logo", "image/svg+xml; charset=utf-8"))
	assert.False(t, IsImage("movie.mp4", "video/mp4"))
	assert.False(t, HasTypeHint("README", ""))
}
