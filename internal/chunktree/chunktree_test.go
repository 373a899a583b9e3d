package chunktree

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wing32s/gogrepoc/internal/errors"
)

const (
	h1 = "0123456789abcdef0123456789abcdef"
	h2 = "fedcba9876543210fedcba9876543210"
)

const sample = `<?xml version="1.0" encoding="UTF-8"?>
<file name="setup.exe" available="1" md5="AAAABBBBCCCCDDDDEEEEFFFF00001111" chunks="2" timestamp="2024-01-01 00:00:00" total_size="1000">
	<chunk id="0" from="0" to="499" method="md5">0123456789ABCDEF0123456789ABCDEF</chunk>
	<chunk id="1" from="500" to="999" method="md5">
		fedcba9876543210fedcba9876543210
	</chunk>
</file>`

func TestParse(t *testing.T) {
	tree, err := Parse(strings.NewReader(sample))
	require.NoError(t, err)
	assert.Equal(t, "setup.exe", tree.Name)
	assert.Equal(t, "aaaabbbbccccddddeeeeffff00001111", tree.MD5)
	assert.Equal(t, int64(1000), tree.TotalSize)
	assert.Equal(t, 2, tree.Declared)
	require.Len(t, tree.Chunks, 2)
	assert.Equal(t, Descriptor{Index: 0, Start: 0, End: 499, Method: "md5", Hash: h1}, tree.Chunks[0])
	assert.Equal(t, Descriptor{Index: 1, Start: 500, End: 999, Method: "md5", Hash: h2}, tree.Chunks[1])
	assert.Equal(t, int64(500), tree.Chunks[1].Len())
	assert.NoError(t, tree.Validate(1000))
}

func TestParseMalformed(t *testing.T) {
	for _, doc := range []string{"", "<html>not found</html>", "<file total_size=\"abc\"></file>"} {
		_, err := Parse(strings.NewReader(doc))
		assert.ErrorIs(t, err, ErrMalformed, doc)
	}
}

func TestValidate(t *testing.T) {
	chunk := func(start, end int64) Descriptor {
		return Descriptor{Start: start, End: end, Method: MethodMD5, Hash: h1}
	}
	tests := []struct {
		name   string
		tree   Tree
		size   int64
		wantOK bool
	}{
		{"valid", Tree{TotalSize: 1000, Declared: 2, Chunks: []Descriptor{chunk(0, 499), chunk(500, 999)}}, 1000, true},
		{"empty file", Tree{TotalSize: 0, Declared: 0}, 0, true},
		{"total mismatch", Tree{TotalSize: 900, Declared: 2, Chunks: []Descriptor{chunk(0, 499), chunk(500, 999)}}, 1000, false},
		{"count mismatch", Tree{TotalSize: 1000, Declared: 3, Chunks: []Descriptor{chunk(0, 499), chunk(500, 999)}}, 1000, false},
		{"gap", Tree{TotalSize: 1000, Declared: 2, Chunks: []Descriptor{chunk(0, 499), chunk(501, 999)}}, 1000, false},
		{"overlap", Tree{TotalSize: 1000, Declared: 2, Chunks: []Descriptor{chunk(0, 499), chunk(499, 999)}}, 1000, false},
		{"short", Tree{TotalSize: 1000, Declared: 2, Chunks: []Descriptor{chunk(0, 499), chunk(500, 998)}}, 1000, false},
		{"inverted", Tree{TotalSize: 1000, Declared: 2, Chunks: []Descriptor{chunk(0, 999), chunk(1000, 999)}}, 1000, false},
		{"sha1 method", Tree{TotalSize: 10, Declared: 1, Chunks: []Descriptor{{Start: 0, End: 9, Method: "sha1", Hash: h1}}}, 10, false},
		{"bad hash", Tree{TotalSize: 10, Declared: 1, Chunks: []Descriptor{{Start: 0, End: 9, Method: MethodMD5, Hash: "xyz"}}}, 10, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.tree.Validate(tt.size)
			if tt.wantOK {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, errors.ErrTreeMismatch)
		})
	}
}
