package dataset

import (
	"context"
	"encoding/base64"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/hone/ai"
	"github.com/teranos/hone/errors"
	"github.com/teranos/hone/internal/httpclient"
)

const (
	// maxImageBytes caps one fetched or decoded image payload.
	maxImageBytes = 20 << 20 // 20 MiB

	// cacheMaxEntries bounds the in-memory image cache. On overflow the
	// oldest half is evicted.
	cacheMaxEntries = 200

	fetchTimeout = 30 * time.Second
)

// extMediaTypes maps recognized file extensions to image media types.
var extMediaTypes = map[string]string{
	".png":  "image/png",
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".gif":  "image/gif",
	".webp": "image/webp",
}

var supportedMediaTypes = map[string]struct{}{
	"image/png":  {},
	"image/jpeg": {},
	"image/gif":  {},
	"image/webp": {},
}

// IsImageRef reports whether a dataset cell value looks like an image
// reference: an http(s) URL or file path with an image extension, or an
// image data URI.
func IsImageRef(value string) bool {
	v := strings.ToLower(strings.TrimSpace(value))
	if v == "" {
		return false
	}
	if strings.HasPrefix(v, "data:image/") {
		return true
	}
	if strings.HasPrefix(v, "http://") || strings.HasPrefix(v, "https://") {
		v, _, _ = strings.Cut(v, "?")
	}
	ext := filepath.Ext(v)
	_, ok := extMediaTypes[ext]
	return ok
}

// ImageLoader resolves dataset cell values into image payloads. Values
// may be http(s) URLs, local file paths, data URIs, or raw base64. A
// resolved image always carries inline base64 data; the URL field is
// set for remote sources so clients that accept URLs can pass them
// through. Loaded images are cached so a value referenced in every
// iteration is fetched once.
type ImageLoader struct {
	client *http.Client
	logger *zap.SugaredLogger

	mu    sync.Mutex
	cache map[string]ai.ImageSource
	order []string // insertion order, for eviction
}

// NewImageLoader creates a loader. Remote fetches go through the
// SSRF-guarded client: dataset cells are user input, so private-range
// destinations stay blocked.
func NewImageLoader(logger *zap.SugaredLogger) *ImageLoader {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &ImageLoader{
		client: httpclient.NewSaferClient(fetchTimeout).Client,
		logger: logger,
		cache:  make(map[string]ai.ImageSource),
	}
}

// Load resolves one image source value, consulting the cache first.
func (l *ImageLoader) Load(ctx context.Context, source string) (ai.ImageSource, error) {
	source = strings.TrimSpace(source)
	if source == "" {
		return ai.ImageSource{}, errors.Wrap(errors.ErrInvalidRequest, "empty image source")
	}

	l.mu.Lock()
	if img, ok := l.cache[source]; ok {
		l.mu.Unlock()
		return img, nil
	}
	l.mu.Unlock()

	img, err := l.load(ctx, source)
	if err != nil {
		return ai.ImageSource{}, err
	}

	l.mu.Lock()
	if len(l.cache) >= cacheMaxEntries {
		evict := l.order[:len(l.order)/2]
		for _, k := range evict {
			delete(l.cache, k)
		}
		l.order = append([]string(nil), l.order[len(l.order)/2:]...)
	}
	if _, ok := l.cache[source]; !ok {
		l.cache[source] = img
		l.order = append(l.order, source)
	}
	l.mu.Unlock()

	return img, nil
}

func (l *ImageLoader) load(ctx context.Context, source string) (ai.ImageSource, error) {
	switch {
	case strings.HasPrefix(source, "http://"), strings.HasPrefix(source, "https://"):
		return l.loadURL(ctx, source)
	case strings.HasPrefix(source, "data:"):
		return parseDataURI(source)
	default:
		if _, err := os.Stat(source); err == nil {
			return loadFile(source)
		}
		return parseRawBase64(source)
	}
}

func (l *ImageLoader) loadURL(ctx context.Context, url string) (ai.ImageSource, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return ai.ImageSource{}, errors.Wrapf(err, "invalid image URL %q", url)
	}

	resp, err := l.client.Do(req)
	if err != nil {
		return ai.ImageSource{}, errors.Wrapf(err, "failed to fetch image %q", url)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return ai.ImageSource{}, errors.Newf("failed to fetch image %q: status %d", url, resp.StatusCode)
	}

	data, err := readCapped(resp.Body)
	if err != nil {
		return ai.ImageSource{}, errors.Wrapf(err, "failed to read image %q", url)
	}

	l.logger.Debugw("fetched image", "url", url, "bytes", len(data))
	return ai.ImageSource{
		MediaType: detectMediaType(url, resp.Header.Get("Content-Type"), data),
		Data:      base64.StdEncoding.EncodeToString(data),
		URL:       url,
	}, nil
}

func loadFile(path string) (ai.ImageSource, error) {
	info, err := os.Stat(path)
	if err != nil {
		return ai.ImageSource{}, errors.Wrapf(err, "image file not found: %s", path)
	}
	if info.Size() > maxImageBytes {
		return ai.ImageSource{}, errors.Newf("image file %s exceeds %d byte limit", path, maxImageBytes)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return ai.ImageSource{}, errors.Wrapf(err, "failed to read image file %s", path)
	}

	return ai.ImageSource{
		MediaType: detectMediaType(path, "", data),
		Data:      base64.StdEncoding.EncodeToString(data),
	}, nil
}

// parseDataURI handles data:image/png;base64,iVBOR... cell values.
func parseDataURI(source string) (ai.ImageSource, error) {
	rest, ok := strings.CutPrefix(source, "data:")
	if !ok {
		return ai.ImageSource{}, errors.Wrap(errors.ErrInvalidRequest, "not a data URI")
	}
	meta, payload, ok := strings.Cut(rest, ",")
	if !ok {
		return ai.ImageSource{}, errors.Wrap(errors.ErrInvalidRequest, "malformed data URI")
	}
	if !strings.HasSuffix(meta, ";base64") {
		return ai.ImageSource{}, errors.Wrap(errors.ErrInvalidRequest, "data URI is not base64-encoded")
	}
	mediaType := strings.TrimSuffix(meta, ";base64")

	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return ai.ImageSource{}, errors.Wrapf(errors.ErrInvalidRequest, "invalid base64 in data URI: %v", err)
	}
	if len(data) > maxImageBytes {
		return ai.ImageSource{}, errors.Newf("image exceeds %d byte limit", maxImageBytes)
	}
	if _, ok := supportedMediaTypes[mediaType]; !ok {
		mediaType = sniffMediaType(data)
	}

	return ai.ImageSource{MediaType: mediaType, Data: payload}, nil
}

// parseRawBase64 handles cells holding a bare base64 image payload.
func parseRawBase64(source string) (ai.ImageSource, error) {
	data, err := base64.StdEncoding.DecodeString(source)
	if err != nil {
		return ai.ImageSource{}, errors.Wrap(errors.ErrInvalidRequest,
			"image source is not a URL, an existing file, or valid base64")
	}
	if len(data) > maxImageBytes {
		return ai.ImageSource{}, errors.Newf("image exceeds %d byte limit", maxImageBytes)
	}

	mediaType := sniffMediaType(data)
	if _, ok := supportedMediaTypes[mediaType]; !ok {
		return ai.ImageSource{}, errors.Wrap(errors.ErrInvalidRequest, "base64 payload is not a recognized image format")
	}

	return ai.ImageSource{MediaType: mediaType, Data: source}, nil
}

func readCapped(r io.Reader) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(r, maxImageBytes+1))
	if err != nil {
		return nil, err
	}
	if len(data) > maxImageBytes {
		return nil, errors.Newf("image exceeds %d byte limit", maxImageBytes)
	}
	return data, nil
}

// detectMediaType picks the media type from the Content-Type header if
// it names a supported image type, else the source's file extension,
// else the payload's magic bytes, defaulting to image/png.
func detectMediaType(source, contentType string, data []byte) string {
	if contentType != "" {
		mt, _, _ := strings.Cut(contentType, ";")
		mt = strings.ToLower(strings.TrimSpace(mt))
		if _, ok := supportedMediaTypes[mt]; ok {
			return mt
		}
	}

	path, _, _ := strings.Cut(strings.ToLower(source), "?")
	if mt, ok := extMediaTypes[filepath.Ext(path)]; ok {
		return mt
	}

	return sniffMediaType(data)
}

// sniffMediaType inspects magic bytes, defaulting to image/png.
func sniffMediaType(data []byte) string {
	mt := http.DetectContentType(data)
	if _, ok := supportedMediaTypes[mt]; ok {
		return mt
	}
	return "image/png"
}

// SetHTTPClient allows overriding the HTTP client for testing.
func (l *ImageLoader) SetHTTPClient(client *http.Client) {
	l.client = client
}
