package transfer

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"time"

	"github.com/wing32s/gogrepoc/internal/chunktree"
	"github.com/wing32s/gogrepoc/internal/errors"
)

// ProgressFunc receives byte deltas as data is written. Negative deltas
// withdraw bytes of an attempt that failed.
type ProgressFunc func(delta int64)

type Probe struct {
	URL      string // after redirects
	Size     int64
	FileName string
}

// Source is a content host able to serve ranged reads of remote files.
type Source interface {
	Probe(ctx context.Context, rawURL string) (*Probe, error)
	// FetchRange writes bytes [start, end] of the resource at their absolute
	// offsets in dst and returns how many were written. size is the total the
	// transfer was started for; a response reporting another total fails
	// with a size drift error before anything is written.
	FetchRange(ctx context.Context, rawURL string, start, end, size int64, dst io.WriterAt, progress ProgressFunc) (int64, error)
	// FetchChunkTree returns nil without error when the host has no usable
	// chunk tree for the resource.
	FetchChunkTree(ctx context.Context, rawURL string) (*chunktree.Tree, error)
}

type Config struct {
	MaxRetries  int           // retries after the first attempt
	RetryDelay  time.Duration // fixed delay between attempts
	ReadTimeout time.Duration // body inactivity limit
}

func (c Config) withDefaults() Config {
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.RetryDelay == 0 {
		c.RetryDelay = 5 * time.Second
	}
	if c.ReadTimeout == 0 {
		c.ReadTimeout = 60 * time.Second
	}
	return c
}

// Router dispatches to a Source by URL scheme.
type Router struct {
	sources map[string]Source
}

func NewRouter() *Router {
	return &Router{sources: make(map[string]Source)}
}

func (r *Router) Register(src Source, schemes ...string) {
	for _, scheme := range schemes {
		r.sources[scheme] = src
	}
}

func (r *Router) route(rawURL string) (Source, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, errors.NewPermanent(err, rawURL)
	}
	src, ok := r.sources[u.Scheme]
	if !ok {
		return nil, errors.NewPermanent(fmt.Errorf("%w: %q", errors.ErrUnsupportedScheme, u.Scheme), rawURL)
	}
	return src, nil
}

func (r *Router) Probe(ctx context.Context, rawURL string) (*Probe, error) {
	src, err := r.route(rawURL)
	if err != nil {
		return nil, err
	}
	return src.Probe(ctx, rawURL)
}

func (r *Router) FetchRange(ctx context.Context, rawURL string, start, end, size int64, dst io.WriterAt, progress ProgressFunc) (int64, error) {
	src, err := r.route(rawURL)
	if err != nil {
		return 0, err
	}
	return src.FetchRange(ctx, rawURL, start, end, size, dst, progress)
}

func (r *Router) FetchChunkTree(ctx context.Context, rawURL string) (*chunktree.Tree, error) {
	src, err := r.route(rawURL)
	if err != nil {
		return nil, err
	}
	return src.FetchChunkTree(ctx, rawURL)
}

// treeURL returns the sibling chunk tree location: the resource path with
// ".xml" appended, query string untouched.
func treeURL(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", err
	}
	u.Path += ".xml"
	if u.RawPath != "" {
		u.RawPath += ".xml"
	}
	return u.String(), nil
}
