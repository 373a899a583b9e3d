package verify

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/wing32s/gogrepoc/internal/chunktree"
	"github.com/wing32s/gogrepoc/internal/errors"
	"github.com/wing32s/gogrepoc/internal/metrics"
	"github.com/wing32s/gogrepoc/internal/transfer"
)

type Mode string

const (
	ModeChunked   Mode = "chunked"    // per-chunk md5 from the host
	ModeLocalMD5  Mode = "local-md5"  // whole file matched the catalog md5
	ModeWholeFile Mode = "whole-file" // size-only guarantee
)

// Fetcher is the part of a transfer source the verifier drives.
type Fetcher interface {
	FetchRange(ctx context.Context, rawURL string, start, end, size int64, dst io.WriterAt, progress transfer.ProgressFunc) (int64, error)
}

type Request struct {
	Name      string
	URL       string
	Path      string // downloading location, truncated to Size if longer
	Size      int64  // server-confirmed
	LocalSize int64  // bytes present before preallocation
	Tree      *chunktree.Tree
	MD5       string
	Progress  transfer.ProgressFunc // receives verified and fetched bytes alike
}

type Result struct {
	Mode          Mode
	VerifiedBytes int64
	FetchedBytes  int64
	FetchedChunks []int
}

type Verifier struct {
	fetcher Fetcher
}

func New(fetcher Fetcher) *Verifier {
	return &Verifier{fetcher: fetcher}
}

// Run brings the file at req.Path to the confirmed state, reusing local
// bytes that verify and fetching everything else.
func (v *Verifier) Run(ctx context.Context, req Request) (*Result, error) {
	f, err := os.OpenFile(req.Path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, errors.NewIOError(err, req.Path)
	}
	defer f.Close()
	if info, err := f.Stat(); err != nil {
		return nil, errors.NewIOError(err, req.Path)
	} else if info.Size() > req.Size {
		if err := f.Truncate(req.Size); err != nil {
			return nil, errors.NewIOError(err, req.Path)
		}
	}
	req.LocalSize = min(req.LocalSize, req.Size)
	if req.Tree != nil {
		if err := req.Tree.Validate(req.Size); err != nil {
			return nil, errors.NewIntegrity(err, req.Name)
		}
		return v.chunked(ctx, f, req)
	}
	return v.wholeFile(ctx, f, req)
}

func (v *Verifier) chunked(ctx context.Context, f *os.File, req Request) (*Result, error) {
	result := &Result{Mode: ModeChunked}
	for _, chunk := range req.Tree.Chunks {
		if err := ctx.Err(); err != nil {
			return result, errors.ClassifyTransport(err, req.Name)
		}
		if chunk.End < req.LocalSize {
			sum, err := hashRange(f, chunk.Start, chunk.Len())
			if err != nil {
				return result, errors.NewIOError(err, req.Path)
			}
			if sum == chunk.Hash {
				result.VerifiedBytes += chunk.Len()
				metrics.BytesVerified.Add(float64(chunk.Len()))
				if req.Progress != nil {
					req.Progress(chunk.Len())
				}
				continue
			}
			log.Debug().Str("op", "verify/chunked").Msgf("%s chunk %d (%d-%d) mismatch", req.Name, chunk.Index, chunk.Start, chunk.End)
		}
		n, err := v.fetcher.FetchRange(ctx, req.URL, chunk.Start, chunk.End, req.Size, f, req.Progress)
		if err != nil {
			return result, fmt.Errorf("chunk %d of %s: %w", chunk.Index, req.Name, err)
		}
		result.FetchedBytes += n
		result.FetchedChunks = append(result.FetchedChunks, chunk.Index)
	}
	log.Debug().Str("op", "verify/chunked").Msgf("%s: %d bytes verified locally, %d chunks fetched", req.Name, result.VerifiedBytes, len(result.FetchedChunks))
	return result, nil
}

func (v *Verifier) wholeFile(ctx context.Context, f *os.File, req Request) (*Result, error) {
	if req.Size == 0 {
		return &Result{Mode: ModeWholeFile}, nil
	}
	want := strings.ToLower(req.MD5)
	if want != "" && req.LocalSize == req.Size {
		sum, err := hashRange(f, 0, req.Size)
		if err != nil {
			return nil, errors.NewIOError(err, req.Path)
		}
		if sum == want {
			metrics.BytesVerified.Add(float64(req.Size))
			if req.Progress != nil {
				req.Progress(req.Size)
			}
			return &Result{Mode: ModeLocalMD5, VerifiedBytes: req.Size}, nil
		}
	}
	log.Warn().Str("op", "verify/whole-file").Msgf("no chunk tree for %s, fetching whole file with size-only verification", req.Name)
	n, err := v.fetcher.FetchRange(ctx, req.URL, 0, req.Size-1, req.Size, f, req.Progress)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", req.Name, err)
	}
	return &Result{Mode: ModeWholeFile, FetchedBytes: n}, nil
}

func hashRange(r io.ReaderAt, start, length int64) (string, error) {
	h := md5.New()
	if _, err := io.Copy(h, io.NewSectionReader(r, start, length)); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// FileMD5 returns the hex md5 of the file at path.
func FileMD5(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return "", err
	}
	return hashRange(f, 0, info.Size())
}
