package errors

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassifyStatus(t *testing.T) {
	tests := []struct {
		status    int
		kind      Kind
		retryable bool
	}{
		{http.StatusInternalServerError, KindTransientNetwork, true},
		{http.StatusBadGateway, KindTransientNetwork, true},
		{http.StatusServiceUnavailable, KindTransientNetwork, true},
		{http.StatusGatewayTimeout, KindTransientNetwork, true},
		{http.StatusTooManyRequests, KindTransientNetwork, true},
		{http.StatusNotImplemented, KindPermanentRequest, false},
		{http.StatusNotFound, KindPermanentRequest, false},
		{http.StatusForbidden, KindPermanentRequest, false},
		{http.StatusGone, KindPermanentRequest, false},
		{http.StatusRequestedRangeNotSatisfiable, KindPermanentRequest, false},
	}
	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			err := ClassifyStatus(tt.status, "file.bin")
			assert.Equal(t, tt.kind, err.Kind)
			assert.Equal(t, tt.retryable, IsRetryable(err))
			assert.Equal(t, tt.status, StatusCode(err))
		})
	}
}

func TestClassifyTransport(t *testing.T) {
	tests := []struct {
		name string
		err  error
		kind Kind
	}{
		{"watchdog", fmt.Errorf("read body: %w", os.ErrDeadlineExceeded), KindTransientNetwork},
		{"unexpected eof", io.ErrUnexpectedEOF, KindTransientNetwork},
		{"short body", ErrShortBody, KindTransientNetwork},
		{"reset", fmt.Errorf("read: %w", syscall.ECONNRESET), KindTransientNetwork},
		{"canceled", context.Canceled, KindCanceled},
		{"other", New("boom"), KindPermanentRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ClassifyTransport(tt.err, "file.bin")
			require.Error(t, err)
			assert.Equal(t, tt.kind, KindOf(err))
			assert.True(t, Is(err, tt.err))
		})
	}
	assert.NoError(t, ClassifyTransport(nil, "file.bin"))
}

func TestClassifyTransportKeepsExistingKind(t *testing.T) {
	orig := NewIntegrity(ErrChunkMismatch, "file.bin")
	err := ClassifyTransport(fmt.Errorf("chunk 3: %w", orig), "other")
	assert.Equal(t, KindIntegrityMismatch, KindOf(err))
	assert.True(t, Is(err, ErrChunkMismatch))
}

func TestTransferErrorMessage(t *testing.T) {
	err := ClassifyStatus(http.StatusNotFound, "setup.exe")
	assert.Contains(t, err.Error(), "PERMANENT_REQUEST")
	assert.Contains(t, err.Error(), "setup.exe")
	assert.Contains(t, err.Error(), "404")

	conflict := NewConflict("setup.exe")
	assert.True(t, Is(conflict, ErrStateConflict))
	assert.True(t, IsKind(conflict, KindStateConflict))
	assert.False(t, IsKind(nil, KindStateConflict))
}

func TestDriftSize(t *testing.T) {
	err := fmt.Errorf("chunk 0 of x.bin: %w", NewSizeDrift(1200, 1000, "x.bin"))
	size, ok := DriftSize(err)
	require.True(t, ok)
	assert.Equal(t, int64(1200), size)
	assert.True(t, IsKind(err, KindManifestDrift))
	assert.False(t, IsRetryable(err))
	assert.Contains(t, err.Error(), "host reports 1200 bytes, expected 1000")

	_, ok = DriftSize(NewDrift(fmt.Errorf("other drift"), "x.bin"))
	assert.False(t, ok)
	_, ok = DriftSize(nil)
	assert.False(t, ok)
}
