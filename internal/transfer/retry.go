package transfer

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/wing32s/gogrepoc/internal/errors"
	"github.com/wing32s/gogrepoc/internal/metrics"
	"github.com/wing32s/gogrepoc/internal/utils"
)

// retry runs attempt until it succeeds, fails with a non-retryable error, or
// cfg.MaxRetries retries have been spent.
func retry(ctx context.Context, cfg Config, resource string, attempt func(ctx context.Context) error) error {
	var lastErr error
	for try := 0; try <= cfg.MaxRetries; try++ {
		if try > 0 {
			metrics.Retries.Inc()
			log.Warn().Str("op", "transfer/retry").Msgf("retry %d/%d for %s after: %v", try, cfg.MaxRetries, resource, lastErr)
			select {
			case <-ctx.Done():
				return errors.ClassifyTransport(ctx.Err(), resource)
			case <-time.After(cfg.RetryDelay):
			}
		}
		err := attempt(ctx)
		if err == nil {
			return nil
		}
		lastErr = err
		if !errors.IsRetryable(err) {
			return err
		}
	}
	return lastErr
}

// copyRange writes want bytes from body into dst starting at offset.
func copyRange(body io.Reader, dst io.WriterAt, offset, want int64, progress ProgressFunc) (int64, error) {
	buf := make([]byte, min(int64(utils.DefaultBufferSize), max(want, 1)))
	var written int64
	for written < want {
		chunk := buf[:min(int64(len(buf)), want-written)]
		n, err := body.Read(chunk)
		if n > 0 {
			if _, werr := dst.WriteAt(chunk[:n], offset+written); werr != nil {
				return written, errors.NewIOError(werr, "write")
			}
			written += int64(n)
			if progress != nil {
				progress(int64(n))
			}
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return written, err
		}
	}
	if written != want {
		return written, fmt.Errorf("%w: got %d of %d bytes", errors.ErrShortBody, written, want)
	}
	return written, nil
}

// parseContentRange parses "bytes start-end/total"; total is -1 for "*".
func parseContentRange(header string) (start, end, total int64, err error) {
	header = strings.TrimSpace(header)
	if !strings.HasPrefix(header, "bytes ") {
		return 0, 0, 0, fmt.Errorf("invalid Content-Range format: %q", header)
	}
	header = strings.TrimPrefix(header, "bytes ")
	parts := strings.Split(header, "/")
	if len(parts) != 2 {
		return 0, 0, 0, fmt.Errorf("invalid Content-Range format: %q", header)
	}
	rangeParts := strings.Split(parts[0], "-")
	if len(rangeParts) != 2 {
		return 0, 0, 0, fmt.Errorf("invalid Content-Range format: %q", header)
	}
	if start, err = strconv.ParseInt(rangeParts[0], 10, 64); err != nil {
		return 0, 0, 0, fmt.Errorf("invalid start byte: %w", err)
	}
	if end, err = strconv.ParseInt(rangeParts[1], 10, 64); err != nil {
		return 0, 0, 0, fmt.Errorf("invalid end byte: %w", err)
	}
	if parts[1] == "*" {
		return start, end, -1, nil
	}
	if total, err = strconv.ParseInt(parts[1], 10, 64); err != nil {
		return 0, 0, 0, fmt.Errorf("invalid total bytes: %w", err)
	}
	return start, end, total, nil
}

// checkContentRange requires the response range to be exactly the request
// and its total, when known, to be size.
func checkContentRange(header string, start, end, size int64, resource string) error {
	gotStart, gotEnd, total, err := parseContentRange(header)
	if err != nil {
		return errors.NewPermanent(fmt.Errorf("%w: %v", errors.ErrRangeMismatch, err), resource)
	}
	if total >= 0 && total != size {
		return errors.NewSizeDrift(total, size, resource)
	}
	if gotStart != start || gotEnd != end || (total >= 0 && end >= total) {
		return errors.NewPermanent(fmt.Errorf("%w: asked %d-%d, got %q", errors.ErrRangeMismatch, start, end, header), resource)
	}
	return nil
}
