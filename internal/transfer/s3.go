package transfer

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"path"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/rs/zerolog/log"
	"github.com/wing32s/gogrepoc/internal/chunktree"
	"github.com/wing32s/gogrepoc/internal/errors"
	"github.com/wing32s/gogrepoc/internal/metrics"
)

// S3API is the part of the S3 client the source needs.
type S3API interface {
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

type S3Config struct {
	Profile  string
	Region   string
	Endpoint string // S3-compatible hosts; forces path-style addressing
}

// S3Source serves s3://bucket/key resources. Full-object reads go through
// the SDK's concurrent part downloader; partial reads are single ranged
// GetObject calls checked against the returned ContentRange.
type S3Source struct {
	client     S3API
	downloader *manager.Downloader
	cfg        Config
}

func NewS3Client(ctx context.Context, sc S3Config) (*s3.Client, error) {
	opts := []func(*config.LoadOptions) error{
		config.WithRetryMode("adaptive"),
	}
	if sc.Profile != "" {
		opts = append(opts, config.WithSharedConfigProfile(sc.Profile))
	}
	if sc.Region != "" {
		opts = append(opts, config.WithRegion(sc.Region))
	}
	cfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("error loading AWS config: %v", err)
	}
	return s3.NewFromConfig(cfg, func(o *s3.Options) {
		if sc.Endpoint != "" {
			o.BaseEndpoint = aws.String(sc.Endpoint)
			o.UsePathStyle = true
		}
	}), nil
}

func NewS3Source(client S3API, cfg Config) *S3Source {
	return &S3Source{
		client: client,
		downloader: manager.NewDownloader(client, func(d *manager.Downloader) {
			d.PartSize = 16 * 1024 * 1024
			d.Concurrency = 4
		}),
		cfg: cfg.withDefaults(),
	}
}

func parseS3URL(rawURL string) (bucket, key string, err error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", "", err
	}
	if u.Scheme != "s3" || u.Host == "" || strings.TrimPrefix(u.Path, "/") == "" {
		return "", "", fmt.Errorf("invalid s3 url %q", rawURL)
	}
	return u.Host, strings.TrimPrefix(u.Path, "/"), nil
}

func classifyS3(err error, resource string) error {
	var nsk *types.NoSuchKey
	var nf *types.NotFound
	if errors.As(err, &nsk) || errors.As(err, &nf) {
		te := errors.NewPermanent(err, resource)
		te.StatusCode = 404
		return te
	}
	var re *awshttp.ResponseError
	if errors.As(err, &re) {
		te := errors.ClassifyStatus(re.HTTPStatusCode(), resource)
		te.Err = err
		return te
	}
	return errors.ClassifyTransport(err, resource)
}

func (s *S3Source) Probe(ctx context.Context, rawURL string) (*Probe, error) {
	bucket, key, err := parseS3URL(rawURL)
	if err != nil {
		return nil, errors.NewPermanent(err, rawURL)
	}
	var probe *Probe
	err = retry(ctx, s.cfg, rawURL, func(ctx context.Context) error {
		out, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
			Bucket: aws.String(bucket),
			Key:    aws.String(key),
		})
		if err != nil {
			metrics.Requests.WithLabelValues("HEAD", "error").Inc()
			return classifyS3(err, rawURL)
		}
		metrics.Requests.WithLabelValues("HEAD", "200").Inc()
		probe = &Probe{URL: rawURL, Size: aws.ToInt64(out.ContentLength), FileName: path.Base(key)}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return probe, nil
}

func (s *S3Source) FetchRange(ctx context.Context, rawURL string, start, end, size int64, dst io.WriterAt, progress ProgressFunc) (int64, error) {
	if end < start {
		return 0, nil
	}
	bucket, key, err := parseS3URL(rawURL)
	if err != nil {
		return 0, errors.NewPermanent(err, rawURL)
	}
	whole := start == 0 && end == size-1
	var written int64
	err = retry(ctx, s.cfg, rawURL, func(ctx context.Context) error {
		var n int64
		var err error
		if whole {
			n, err = s.fetchWhole(ctx, bucket, key, rawURL, size, dst, progress)
		} else {
			n, err = s.fetchRangeOnce(ctx, bucket, key, rawURL, start, end, size, dst, progress)
		}
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

func (s *S3Source) fetchRangeOnce(ctx context.Context, bucket, key, rawURL string, start, end, size int64, dst io.WriterAt, progress ProgressFunc) (int64, error) {
	ctx, wd := newWatchdog(ctx, s.cfg.ReadTimeout)
	defer wd.Stop()
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
		Range:  aws.String(fmt.Sprintf("bytes=%d-%d", start, end)),
	})
	if err != nil {
		metrics.Requests.WithLabelValues("GET", "error").Inc()
		if wd.Fired() {
			return 0, errors.NewTransient(err, rawURL)
		}
		return 0, classifyS3(err, rawURL)
	}
	metrics.Requests.WithLabelValues("GET", "206").Inc()
	defer out.Body.Close()
	if err := checkContentRange(aws.ToString(out.ContentRange), start, end, size, rawURL); err != nil {
		return 0, err
	}
	n, err := copyRange(guardedReader{r: out.Body, wd: wd}, dst, start, end-start+1, progress)
	if err != nil {
		if wd.Fired() {
			return n, errors.NewTransient(fmt.Errorf("no data for %s: %w", s.cfg.ReadTimeout, err), rawURL)
		}
		return n, errors.ClassifyTransport(err, rawURL)
	}
	return n, nil
}

func (s *S3Source) fetchWhole(ctx context.Context, bucket, key, rawURL string, size int64, dst io.WriterAt, progress ProgressFunc) (int64, error) {
	ctx, wd := newWatchdog(ctx, s.cfg.ReadTimeout)
	defer wd.Stop()
	pw := &progressWriterAt{dst: dst, progress: progress, wd: wd}
	n, err := s.downloader.Download(ctx, pw, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		metrics.Requests.WithLabelValues("GET", "error").Inc()
		if wd.Fired() {
			return pw.total(), errors.NewTransient(fmt.Errorf("no data for %s: %w", s.cfg.ReadTimeout, err), rawURL)
		}
		return pw.total(), classifyS3(err, rawURL)
	}
	metrics.Requests.WithLabelValues("GET", "200").Inc()
	if n > size {
		return pw.total(), errors.NewSizeDrift(n, size, rawURL)
	}
	if n != size {
		return pw.total(), errors.NewTransient(fmt.Errorf("%w: got %d of %d bytes", errors.ErrShortBody, n, size), rawURL)
	}
	log.Debug().Str("op", "transfer/s3").Msgf("fetched s3://%s/%s with part downloader", bucket, key)
	return n, nil
}

func (s *S3Source) FetchChunkTree(ctx context.Context, rawURL string) (*chunktree.Tree, error) {
	bucket, key, err := parseS3URL(rawURL)
	if err != nil {
		return nil, errors.NewPermanent(err, rawURL)
	}
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key + ".xml"),
	})
	if err != nil {
		err = classifyS3(err, rawURL)
		if errors.IsKind(err, errors.KindCanceled) {
			return nil, err
		}
		if errors.StatusCode(err) == 404 {
			log.Debug().Str("op", "transfer/s3").Msgf("no chunk tree for %s", rawURL)
		} else {
			log.Warn().Str("op", "transfer/s3").Msgf("chunk tree unavailable for %s: %v", rawURL, err)
		}
		return nil, nil
	}
	defer out.Body.Close()
	tree, err := chunktree.Parse(out.Body)
	if err != nil {
		log.Warn().Str("op", "transfer/s3").Msgf("chunk tree for %s unreadable: %v", rawURL, err)
		return nil, nil
	}
	return tree, nil
}

// progressWriterAt reports writes from the concurrent part downloader.
type progressWriterAt struct {
	dst      io.WriterAt
	progress ProgressFunc
	wd       *watchdog
	mutex    sync.Mutex
	written  int64
}

func (p *progressWriterAt) WriteAt(b []byte, off int64) (int, error) {
	n, err := p.dst.WriteAt(b, off)
	if n > 0 {
		if p.wd != nil {
			p.wd.Kick()
		}
		p.mutex.Lock()
		p.written += int64(n)
		if p.progress != nil {
			p.progress(int64(n))
		}
		p.mutex.Unlock()
	}
	return n, err
}

func (p *progressWriterAt) total() int64 {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	return p.written
}
