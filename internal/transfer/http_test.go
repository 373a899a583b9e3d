package transfer

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wing32s/gogrepoc/internal/auth"
	"github.com/wing32s/gogrepoc/internal/errors"
	"github.com/wing32s/gogrepoc/internal/utils"
	"golang.org/x/oauth2"
)

type memFile struct {
	mutex sync.Mutex
	data  []byte
}

func (m *memFile) WriteAt(p []byte, off int64) (int, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if need := off + int64(len(p)); need > int64(len(m.data)) {
		m.data = append(m.data, make([]byte, need-int64(len(m.data)))...)
	}
	copy(m.data[off:], p)
	return len(p), nil
}

type testHost struct {
	*httptest.Server
	mutex     sync.Mutex
	content   []byte
	tree      string
	ranges    []string
	treeHits  int
	failures  int  // next GETs answered with 503
	stallOnce bool // first ranged GET stalls after half the body
	rangeFunc func(start, end int64) string
	noHead    bool
	token     string
}

func newTestHost(t *testing.T, content []byte) *testHost {
	h := &testHost{content: content}
	mux := http.NewServeMux()
	mux.HandleFunc("/files/", h.serveFile)
	mux.HandleFunc("/redirect/", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/files/"+strings.TrimPrefix(r.URL.Path, "/redirect/"), http.StatusFound)
	})
	h.Server = httptest.NewServer(mux)
	t.Cleanup(h.Close)
	return h
}

func (h *testHost) serveFile(w http.ResponseWriter, r *http.Request) {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	if h.token != "" && r.Header.Get("Authorization") != "Bearer "+h.token {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}
	if strings.HasSuffix(r.URL.Path, ".xml") {
		h.treeHits++
		if h.tree == "" {
			http.NotFound(w, r)
			return
		}
		fmt.Fprint(w, h.tree)
		return
	}
	if r.Method == http.MethodHead {
		if h.noHead {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		w.Header().Set("Content-Length", fmt.Sprint(len(h.content)))
		w.Header().Set("Content-Disposition", `attachment; filename="setup_game.exe"`)
		return
	}
	if h.failures > 0 {
		h.failures--
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	rng := r.Header.Get("Range")
	h.ranges = append(h.ranges, rng)
	var start, end int64
	if _, err := fmt.Sscanf(rng, "bytes=%d-%d", &start, &end); err != nil {
		w.Write(h.content)
		return
	}
	contentRange := fmt.Sprintf("bytes %d-%d/%d", start, end, len(h.content))
	if h.rangeFunc != nil {
		contentRange = h.rangeFunc(start, end)
	}
	body := h.content[start : end+1]
	w.Header().Set("Content-Range", contentRange)
	w.Header().Set("Content-Length", fmt.Sprint(len(body)))
	w.WriteHeader(http.StatusPartialContent)
	if h.stallOnce {
		h.stallOnce = false
		w.Write(body[:len(body)/2])
		w.(http.Flusher).Flush()
		h.mutex.Unlock()
		time.Sleep(300 * time.Millisecond)
		h.mutex.Lock()
		return
	}
	w.Write(body)
}

func testContent(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i % 251)
	}
	return b
}

func newTestSource(renewer *auth.Renewer) *HTTPSource {
	return NewHTTPSource(utils.NewHTTPClient(utils.HTTPClientConfig{}), renewer, Config{
		MaxRetries:  3,
		RetryDelay:  time.Millisecond,
		ReadTimeout: 100 * time.Millisecond,
	})
}

func TestFetchRangeWritesAtOffset(t *testing.T) {
	content := testContent(1000)
	h := newTestHost(t, content)
	src := newTestSource(nil)

	dst := &memFile{}
	var progressed atomic.Int64
	n, err := src.FetchRange(context.Background(), h.URL+"/files/setup.exe", 500, 999, 1000, dst, func(d int64) { progressed.Add(d) })
	require.NoError(t, err)
	assert.Equal(t, int64(500), n)
	assert.Equal(t, int64(500), progressed.Load())
	assert.Equal(t, content[500:], dst.data[500:])
	assert.Equal(t, []string{"bytes=500-999"}, h.ranges)
}

func TestFetchRangeRejectsMismatchedContentRange(t *testing.T) {
	h := newTestHost(t, testContent(1000))
	h.rangeFunc = func(start, end int64) string {
		return fmt.Sprintf("bytes %d-%d/1000", start+1, end)
	}
	src := newTestSource(nil)

	_, err := src.FetchRange(context.Background(), h.URL+"/files/setup.exe", 0, 499, 1000, &memFile{}, nil)
	require.Error(t, err)
	assert.True(t, errors.IsKind(err, errors.KindPermanentRequest))
	assert.ErrorIs(t, err, errors.ErrRangeMismatch)
	assert.Len(t, h.ranges, 1)
}

func TestFetchRangeRejectsDriftedTotal(t *testing.T) {
	h := newTestHost(t, testContent(1200))
	src := newTestSource(nil)

	dst := &memFile{}
	var progressed atomic.Int64
	_, err := src.FetchRange(context.Background(), h.URL+"/files/x.bin", 0, 999, 1000, dst, func(d int64) { progressed.Add(d) })
	require.Error(t, err)
	assert.True(t, errors.IsKind(err, errors.KindManifestDrift))
	size, ok := errors.DriftSize(err)
	require.True(t, ok)
	assert.Equal(t, int64(1200), size)
	assert.Empty(t, dst.data)
	assert.Zero(t, progressed.Load())
	assert.Len(t, h.ranges, 1)
}

func TestFetchRangeRetriesTransient(t *testing.T) {
	content := testContent(100)
	h := newTestHost(t, content)
	h.failures = 2
	src := newTestSource(nil)

	dst := &memFile{}
	n, err := src.FetchRange(context.Background(), h.URL+"/files/game.bin", 0, 99, 100, dst, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(100), n)
	assert.Equal(t, content, dst.data)
}

func TestFetchRangeGivesUpAfterRetries(t *testing.T) {
	h := newTestHost(t, testContent(100))
	h.failures = 10
	src := newTestSource(nil)

	_, err := src.FetchRange(context.Background(), h.URL+"/files/game.bin", 0, 99, 100, &memFile{}, nil)
	require.Error(t, err)
	assert.True(t, errors.IsKind(err, errors.KindTransientNetwork))
	assert.Equal(t, http.StatusServiceUnavailable, errors.StatusCode(err))
	assert.Equal(t, 6, h.failures)
}

func TestFetchRangeNotFoundIsNotRetried(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		http.NotFound(w, r)
	}))
	defer srv.Close()
	src := newTestSource(nil)

	_, err := src.FetchRange(context.Background(), srv.URL+"/gone.bin", 0, 9, 10, &memFile{}, nil)
	require.Error(t, err)
	assert.Equal(t, http.StatusNotFound, errors.StatusCode(err))
	assert.Equal(t, int32(1), hits.Load())
}

func TestFetchRangeIgnoredRangeIsPermanent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("whole body"))
	}))
	defer srv.Close()
	src := newTestSource(nil)

	_, err := src.FetchRange(context.Background(), srv.URL+"/a.bin", 0, 3, 10, &memFile{}, nil)
	assert.ErrorIs(t, err, errors.ErrNotPartial)
}

func TestFetchRangeWatchdogRestoresProgress(t *testing.T) {
	content := testContent(2000)
	h := newTestHost(t, content)
	h.stallOnce = true
	src := newTestSource(nil)

	dst := &memFile{}
	var progressed atomic.Int64
	n, err := src.FetchRange(context.Background(), h.URL+"/files/big.bin", 0, 1999, 2000, dst, func(d int64) { progressed.Add(d) })
	require.NoError(t, err)
	assert.Equal(t, int64(2000), n)
	assert.Equal(t, int64(2000), progressed.Load())
	assert.Equal(t, content, dst.data)
	assert.Len(t, h.ranges, 2)
}

func TestFetchRangeCanceled(t *testing.T) {
	h := newTestHost(t, testContent(100))
	src := newTestSource(nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := src.FetchRange(ctx, h.URL+"/files/game.bin", 0, 99, 100, &memFile{}, nil)
	require.Error(t, err)
	assert.False(t, errors.IsRetryable(err))
}

func TestProbe(t *testing.T) {
	h := newTestHost(t, testContent(1234))
	src := newTestSource(nil)

	probe, err := src.Probe(context.Background(), h.URL+"/redirect/setup.exe")
	require.NoError(t, err)
	assert.Equal(t, int64(1234), probe.Size)
	assert.Equal(t, "setup_game.exe", probe.FileName)
	assert.Equal(t, h.URL+"/files/setup.exe", probe.URL)
}

func TestProbeFallsBackToRangeRequest(t *testing.T) {
	h := newTestHost(t, testContent(777))
	h.noHead = true
	src := newTestSource(nil)

	probe, err := src.Probe(context.Background(), h.URL+"/files/patch.bin")
	require.NoError(t, err)
	assert.Equal(t, int64(777), probe.Size)
	assert.Equal(t, []string{"bytes=0-0"}, h.ranges)
}

func TestFetchChunkTree(t *testing.T) {
	h := newTestHost(t, testContent(10))
	src := newTestSource(nil)

	tree, err := src.FetchChunkTree(context.Background(), h.URL+"/files/setup.exe")
	require.NoError(t, err)
	assert.Nil(t, tree)

	h.tree = `<file name="setup.exe" chunks="1" total_size="10"><chunk id="0" from="0" to="9" method="md5">0123456789abcdef0123456789abcdef</chunk></file>`
	tree, err = src.FetchChunkTree(context.Background(), h.URL+"/files/setup.exe?token=abc")
	require.NoError(t, err)
	require.NotNil(t, tree)
	assert.Len(t, tree.Chunks, 1)

	h.tree = "<<garbage"
	tree, err = src.FetchChunkTree(context.Background(), h.URL+"/files/setup.exe")
	require.NoError(t, err)
	assert.Nil(t, tree)
	assert.Equal(t, 3, h.treeHits)
}

func TestReactiveRenewalOn401(t *testing.T) {
	var renewals atomic.Int32
	tokenSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		renewals.Add(1)
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"access_token":"new","token_type":"Bearer","expires_in":3600}`)
	}))
	defer tokenSrv.Close()

	content := testContent(50)
	h := newTestHost(t, content)
	h.token = "new"
	renewer := auth.NewRenewer(auth.OAuthConfig(auth.Credentials{ClientID: "c", TokenURL: tokenSrv.URL}),
		&oauth2.Token{AccessToken: "old", RefreshToken: "r", Expiry: time.Now().Add(time.Hour)},
		auth.RenewerConfig{RetryDelay: time.Millisecond})
	src := newTestSource(renewer)

	dst := &memFile{}
	_, err := src.FetchRange(context.Background(), h.URL+"/files/a.bin", 0, 49, 50, dst, nil)
	require.NoError(t, err)
	assert.Equal(t, content, dst.data)
	assert.Equal(t, int32(1), renewals.Load())
}

func TestTreeURL(t *testing.T) {
	tests := map[string]string{
		"https://cdn.example.com/a/setup.exe":            "https://cdn.example.com/a/setup.exe.xml",
		"https://cdn.example.com/a/setup.exe?sig=1&e=2":  "https://cdn.example.com/a/setup.exe.xml?sig=1&e=2",
		"https://cdn.example.com/a/my%20game.bin?sig=xy": "https://cdn.example.com/a/my%20game.bin.xml?sig=xy",
	}
	for in, want := range tests {
		got, err := treeURL(in)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
}

func TestParseContentRange(t *testing.T) {
	start, end, total, err := parseContentRange("bytes 500-999/1000")
	require.NoError(t, err)
	assert.Equal(t, []int64{500, 999, 1000}, []int64{start, end, total})

	_, _, total, err = parseContentRange("bytes 0-9/*")
	require.NoError(t, err)
	assert.Equal(t, int64(-1), total)

	for _, bad := range []string{"", "0-9/10", "bytes 0-9", "bytes a-9/10", "bytes 0-9/x"} {
		_, _, _, err := parseContentRange(bad)
		assert.Error(t, err, bad)
	}

	assert.NoError(t, checkContentRange("bytes 0-9/10", 0, 9, 10, "r"))
	assert.NoError(t, checkContentRange("bytes 0-9/*", 0, 9, 10, "r"))
	assert.ErrorIs(t, checkContentRange("bytes 0-8/10", 0, 9, 10, "r"), errors.ErrRangeMismatch)
	assert.ErrorIs(t, checkContentRange("bytes 0-9/12", 0, 9, 10, "r"), errors.ErrSizeDrift)
	assert.ErrorIs(t, checkContentRange("bytes 0-9/9", 0, 9, 10, "r"), errors.ErrSizeDrift)
}

func TestRouter(t *testing.T) {
	h := newTestHost(t, testContent(10))
	r := NewRouter()
	r.Register(newTestSource(nil), "http", "https")

	probe, err := r.Probe(context.Background(), h.URL+"/files/x.bin")
	require.NoError(t, err)
	assert.Equal(t, int64(10), probe.Size)

	_, err = r.Probe(context.Background(), "ftp://example.com/x.bin")
	assert.ErrorIs(t, err, errors.ErrUnsupportedScheme)
}
