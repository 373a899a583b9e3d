package transfer

import (
	"context"
	"fmt"
	"io"
	"mime"
	"net/http"
	"path"
	"strconv"

	"github.com/rs/zerolog/log"
	"github.com/wing32s/gogrepoc/internal/auth"
	"github.com/wing32s/gogrepoc/internal/chunktree"
	"github.com/wing32s/gogrepoc/internal/errors"
	"github.com/wing32s/gogrepoc/internal/metrics"
	"github.com/wing32s/gogrepoc/internal/utils"
	"golang.org/x/oauth2"
)

// HTTPSource talks to a content host over HTTP with an optional bearer
// token session.
type HTTPSource struct {
	client  utils.HTTPDoer
	renewer *auth.Renewer
	cfg     Config
}

func NewHTTPSource(client utils.HTTPDoer, renewer *auth.Renewer, cfg Config) *HTTPSource {
	return &HTTPSource{
		client:  client,
		renewer: renewer,
		cfg:     cfg.withDefaults(),
	}
}

// send issues one request. A 401 renews exactly the rejected token and
// reissues once without counting as a retry.
func (s *HTTPSource) send(ctx context.Context, method, rawURL string, header http.Header) (*http.Response, error) {
	reissued := false
	for {
		req, err := http.NewRequestWithContext(ctx, method, rawURL, nil)
		if err != nil {
			return nil, errors.NewPermanent(err, rawURL)
		}
		for k, v := range header {
			req.Header[k] = v
		}
		var token *oauth2.Token
		if s.renewer != nil {
			token, err = s.renewer.Token(ctx)
			if err != nil {
				return nil, err
			}
			token.SetAuthHeader(req)
		}
		resp, err := s.client.Do(req)
		if err != nil {
			metrics.Requests.WithLabelValues(method, "error").Inc()
			return nil, err
		}
		metrics.Requests.WithLabelValues(method, strconv.Itoa(resp.StatusCode)).Inc()
		if resp.StatusCode == http.StatusUnauthorized && s.renewer != nil && !reissued {
			io.Copy(io.Discard, resp.Body)
			resp.Body.Close()
			log.Debug().Str("op", "transfer/http").Msgf("401 for %s, renewing token", rawURL)
			if _, err := s.renewer.Invalidate(ctx, token); err != nil {
				return nil, err
			}
			reissued = true
			continue
		}
		return resp, nil
	}
}

// failure classifies err, turning a watchdog cancellation into a retryable
// timeout.
func (s *HTTPSource) failure(wd *watchdog, err error, resource string) error {
	if wd != nil && wd.Fired() {
		return errors.NewTransient(fmt.Errorf("no data for %s: %w", s.cfg.ReadTimeout, err), resource)
	}
	return errors.ClassifyTransport(err, resource)
}

func (s *HTTPSource) Probe(ctx context.Context, rawURL string) (*Probe, error) {
	var probe *Probe
	err := retry(ctx, s.cfg, rawURL, func(ctx context.Context) error {
		p, err := s.probeOnce(ctx, rawURL)
		probe = p
		return err
	})
	return probe, err
}

func (s *HTTPSource) probeOnce(ctx context.Context, rawURL string) (*Probe, error) {
	ctx, wd := newWatchdog(ctx, s.cfg.ReadTimeout)
	defer wd.Stop()
	resp, err := s.send(ctx, http.MethodHead, rawURL, nil)
	if err != nil {
		return nil, s.failure(wd, err, rawURL)
	}
	resp.Body.Close()
	switch {
	case resp.StatusCode == http.StatusMethodNotAllowed || resp.StatusCode == http.StatusNotImplemented:
		return s.probeByRange(ctx, wd, rawURL)
	case resp.StatusCode != http.StatusOK:
		return nil, errors.ClassifyStatus(resp.StatusCode, rawURL)
	case resp.ContentLength < 0:
		return nil, errors.NewPermanent(fmt.Errorf("no Content-Length in probe response"), rawURL)
	}
	return &Probe{
		URL:      resp.Request.URL.String(),
		Size:     resp.ContentLength,
		FileName: fileName(resp),
	}, nil
}

// probeByRange asks for the first byte when the host refuses HEAD.
func (s *HTTPSource) probeByRange(ctx context.Context, wd *watchdog, rawURL string) (*Probe, error) {
	log.Debug().Str("op", "transfer/http").Msgf("HEAD refused for %s, probing with range request", rawURL)
	resp, err := s.send(ctx, http.MethodGet, rawURL, http.Header{"Range": {"bytes=0-0"}})
	if err != nil {
		return nil, s.failure(wd, err, rawURL)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusPartialContent {
		return nil, errors.ClassifyStatus(resp.StatusCode, rawURL)
	}
	_, _, total, err := parseContentRange(resp.Header.Get("Content-Range"))
	if err != nil || total < 0 {
		return nil, errors.NewPermanent(fmt.Errorf("%w: %q", errors.ErrRangeMismatch, resp.Header.Get("Content-Range")), rawURL)
	}
	return &Probe{
		URL:      resp.Request.URL.String(),
		Size:     total,
		FileName: fileName(resp),
	}, nil
}

func fileName(resp *http.Response) string {
	if cd := resp.Header.Get("Content-Disposition"); cd != "" {
		if _, params, err := mime.ParseMediaType(cd); err == nil && params["filename"] != "" {
			return path.Base(params["filename"])
		}
	}
	return path.Base(resp.Request.URL.Path)
}

func (s *HTTPSource) FetchRange(ctx context.Context, rawURL string, start, end, size int64, dst io.WriterAt, progress ProgressFunc) (int64, error) {
	if end < start {
		return 0, nil
	}
	var written int64
	err := retry(ctx, s.cfg, rawURL, func(ctx context.Context) error {
		n, err := s.fetchRangeOnce(ctx, rawURL, start, end, size, dst, progress)
		if err != nil && n > 0 && progress != nil {
			progress(-n)
		}
		written = n
		return err
	})
	if err != nil {
		return 0, err
	}
	metrics.BytesFetched.Add(float64(written))
	return written, nil
}

func (s *HTTPSource) fetchRangeOnce(ctx context.Context, rawURL string, start, end, size int64, dst io.WriterAt, progress ProgressFunc) (int64, error) {
	ctx, wd := newWatchdog(ctx, s.cfg.ReadTimeout)
	defer wd.Stop()
	resp, err := s.send(ctx, http.MethodGet, rawURL, http.Header{
		"Range":      {fmt.Sprintf("bytes=%d-%d", start, end)},
		"Connection": {"keep-alive"},
	})
	if err != nil {
		return 0, s.failure(wd, err, rawURL)
	}
	defer resp.Body.Close()
	switch resp.StatusCode {
	case http.StatusPartialContent:
	case http.StatusOK:
		return 0, errors.NewPermanent(errors.ErrNotPartial, rawURL)
	default:
		return 0, errors.ClassifyStatus(resp.StatusCode, rawURL)
	}
	if err := checkContentRange(resp.Header.Get("Content-Range"), start, end, size, rawURL); err != nil {
		return 0, err
	}
	n, err := copyRange(guardedReader{r: resp.Body, wd: wd}, dst, start, end-start+1, progress)
	if err != nil {
		return n, s.failure(wd, err, rawURL)
	}
	log.Debug().Str("op", "transfer/http").Msgf("fetched %s bytes %d-%d", path.Base(resp.Request.URL.Path), start, end)
	return n, nil
}

func (s *HTTPSource) FetchChunkTree(ctx context.Context, rawURL string) (*chunktree.Tree, error) {
	xmlURL, err := treeURL(rawURL)
	if err != nil {
		return nil, errors.NewPermanent(err, rawURL)
	}
	var tree *chunktree.Tree
	err = retry(ctx, s.cfg, xmlURL, func(ctx context.Context) error {
		t, err := s.fetchTreeOnce(ctx, xmlURL)
		tree = t
		return err
	})
	if err == nil {
		return tree, nil
	}
	switch errors.KindOf(err) {
	case errors.KindAuthExpiry, errors.KindCanceled:
		return nil, err
	}
	if errors.StatusCode(err) == http.StatusNotFound {
		log.Debug().Str("op", "transfer/http").Msgf("no chunk tree at %s", xmlURL)
	} else {
		log.Warn().Str("op", "transfer/http").Msgf("chunk tree unavailable for %s: %v", rawURL, err)
	}
	return nil, nil
}

func (s *HTTPSource) fetchTreeOnce(ctx context.Context, xmlURL string) (*chunktree.Tree, error) {
	ctx, wd := newWatchdog(ctx, s.cfg.ReadTimeout)
	defer wd.Stop()
	resp, err := s.send(ctx, http.MethodGet, xmlURL, nil)
	if err != nil {
		return nil, s.failure(wd, err, xmlURL)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, errors.ClassifyStatus(resp.StatusCode, xmlURL)
	}
	tree, err := chunktree.Parse(guardedReader{r: resp.Body, wd: wd})
	if err != nil {
		if wd.Fired() {
			return nil, s.failure(wd, err, xmlURL)
		}
		return nil, errors.NewPermanent(err, xmlURL)
	}
	return tree, nil
}
