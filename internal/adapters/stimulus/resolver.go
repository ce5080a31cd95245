// Package stimulus turns a stimulus reference into image bytes.
//
// Supported references:
//
//	blob:<name>                     an image previously uploaded to the blob store
//	http://… or https://…           fetched with a timeout and size limit
//	data:image/<type>;base64,<data> inline
package stimulus

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/eyesense/gazemap/internal/adapters/storage"
	"github.com/eyesense/gazemap/pkg/logger"
)

// Defaults for remote fetches.
const (
	DefaultMaxBytes = 10 << 20
	DefaultTimeout  = 30 * time.Second
	userAgent       = "gazemap/1.0"
)

// BlobGetter reads uploaded stimulus images.
type BlobGetter interface {
	Get(ctx context.Context, kind storage.Kind, name string) (storage.Blob, error)
}

// Image is a resolved stimulus.
type Image struct {
	Data        []byte
	ContentType string
	Source      string // blob, http or data
}

// Resolver resolves stimulus references.
type Resolver struct {
	blobs    BlobGetter
	client   *http.Client
	timeout  time.Duration
	maxBytes int64
	logger   logger.Logger
}

// NewResolver creates a resolver. blobs may be nil, in which case blob:
// references are unsupported.
func NewResolver(blobs BlobGetter, opts ...Option) *Resolver {
	r := &Resolver{
		blobs:    blobs,
		client:   &http.Client{},
		timeout:  DefaultTimeout,
		maxBytes: DefaultMaxBytes,
		logger:   logger.OrNop().Named("stimulus"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Resolve returns the image bytes behind ref.
func (r *Resolver) Resolve(ctx context.Context, ref string) (Image, error) {
	switch {
	case strings.HasPrefix(ref, "blob:"):
		return r.fromBlob(ctx, strings.TrimPrefix(ref, "blob:"))
	case strings.HasPrefix(ref, "data:"):
		return r.fromData(ref)
	case strings.HasPrefix(ref, "http://"), strings.HasPrefix(ref, "https://"):
		return r.fromURL(ctx, ref)
	default:
		return Image{}, fmt.Errorf("%.32q: %w", ref, ErrUnsupportedRef)
	}
}

func (r *Resolver) fromBlob(ctx context.Context, name string) (Image, error) {
	if r.blobs == nil {
		return Image{}, fmt.Errorf("blob references disabled: %w", ErrUnsupportedRef)
	}
	b, err := r.blobs.Get(ctx, storage.KindImage, name)
	if err != nil {
		return Image{}, fmt.Errorf("resolve blob %q: %w", name, err)
	}
	if int64(len(b.Data)) > r.maxBytes {
		return Image{}, fmt.Errorf("blob %q: %w", name, ErrTooLarge)
	}
	return Image{Data: b.Data, ContentType: b.ContentType, Source: "blob"}, nil
}

func (r *Resolver) fromData(ref string) (Image, error) {
	meta, payload, ok := strings.Cut(strings.TrimPrefix(ref, "data:"), ",")
	if !ok {
		return Image{}, fmt.Errorf("data url without payload: %w", ErrMalformed)
	}
	mime, enc, _ := strings.Cut(meta, ";")
	if !strings.HasPrefix(mime, "image/") {
		return Image{}, fmt.Errorf("data url type %q: %w", mime, ErrNotImage)
	}
	if enc != "base64" {
		return Image{}, fmt.Errorf("data url encoding %q: %w", enc, ErrMalformed)
	}
	if int64(base64.StdEncoding.DecodedLen(len(payload))) > r.maxBytes+2 {
		return Image{}, fmt.Errorf("data url: %w", ErrTooLarge)
	}
	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return Image{}, fmt.Errorf("data url: %w: %w", ErrMalformed, err)
	}
	if int64(len(data)) > r.maxBytes {
		return Image{}, fmt.Errorf("data url: %w", ErrTooLarge)
	}
	return Image{Data: data, ContentType: mime, Source: "data"}, nil
}

func (r *Resolver) fromURL(ctx context.Context, ref string) (Image, error) {
	u, err := url.Parse(ref)
	if err != nil || u.Host == "" {
		return Image{}, fmt.Errorf("url %q: %w", ref, ErrMalformed)
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return Image{}, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "image/*")

	start := time.Now()
	resp, err := r.client.Do(req)
	if err != nil {
		return Image{}, fmt.Errorf("%w: %w", ErrFetch, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return Image{}, fmt.Errorf("%w: HTTP %d", ErrFetch, resp.StatusCode)
	}
	ct := resp.Header.Get("Content-Type")
	if !strings.HasPrefix(ct, "image/") {
		return Image{}, fmt.Errorf("content type %q: %w", ct, ErrNotImage)
	}
	if resp.ContentLength > r.maxBytes {
		return Image{}, fmt.Errorf("content length %d: %w", resp.ContentLength, ErrTooLarge)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, r.maxBytes+1))
	if err != nil {
		return Image{}, fmt.Errorf("%w: read body: %w", ErrFetch, err)
	}
	if int64(len(data)) > r.maxBytes {
		return Image{}, fmt.Errorf("body: %w", ErrTooLarge)
	}
	r.logger.Debug(ctx, "stimulus fetched",
		logger.String("host", u.Host), logger.Int("bytes", len(data)),
		logger.Duration("took", time.Since(start)))
	return Image{Data: data, ContentType: ct, Source: "http"}, nil
}
