package chunktree

import (
	"encoding/hex"
	"encoding/xml"
	"fmt"
	"io"
	"strings"

	"github.com/wing32s/gogrepoc/internal/errors"
)

const MethodMD5 = "md5"

var ErrMalformed = errors.New("malformed chunk tree")

// Descriptor is one server-declared segment of a file. End is inclusive.
type Descriptor struct {
	Index  int
	Start  int64
	End    int64
	Method string
	Hash   string
}

func (d Descriptor) Len() int64 {
	return d.End - d.Start + 1
}

// Tree is the parsed sibling .xml document for a remote file.
type Tree struct {
	Name      string
	MD5       string
	TotalSize int64
	Declared  int
	Chunks    []Descriptor
}

type xmlFile struct {
	XMLName   xml.Name   `xml:"file"`
	Name      string     `xml:"name,attr"`
	MD5       string     `xml:"md5,attr"`
	Chunks    int        `xml:"chunks,attr"`
	TotalSize int64      `xml:"total_size,attr"`
	Entries   []xmlChunk `xml:"chunk"`
}

type xmlChunk struct {
	ID     int    `xml:"id,attr"`
	From   int64  `xml:"from,attr"`
	To     int64  `xml:"to,attr"`
	Method string `xml:"method,attr"`
	Hash   string `xml:",chardata"`
}

// Parse decodes a chunk tree document. It does not check the tree against
// the remote file; see Validate.
func Parse(r io.Reader) (*Tree, error) {
	var doc xmlFile
	if err := xml.NewDecoder(r).Decode(&doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	tree := &Tree{
		Name:      doc.Name,
		MD5:       strings.ToLower(strings.TrimSpace(doc.MD5)),
		TotalSize: doc.TotalSize,
		Declared:  doc.Chunks,
		Chunks:    make([]Descriptor, 0, len(doc.Entries)),
	}
	for _, c := range doc.Entries {
		tree.Chunks = append(tree.Chunks, Descriptor{
			Index:  c.ID,
			Start:  c.From,
			End:    c.To,
			Method: strings.ToLower(strings.TrimSpace(c.Method)),
			Hash:   strings.ToLower(strings.TrimSpace(c.Hash)),
		})
	}
	return tree, nil
}

// Validate checks that the tree describes a file of exactly size bytes:
// declared totals agree, every chunk is md5 and the chunks partition
// [0, size) in order with no gaps or overlaps.
func (t *Tree) Validate(size int64) error {
	if t.TotalSize != size {
		return fmt.Errorf("%w: total_size %d, remote size %d", errors.ErrTreeMismatch, t.TotalSize, size)
	}
	if t.Declared != len(t.Chunks) {
		return fmt.Errorf("%w: declares %d chunks, lists %d", errors.ErrTreeMismatch, t.Declared, len(t.Chunks))
	}
	var next int64
	for i, c := range t.Chunks {
		if c.Method != MethodMD5 {
			return fmt.Errorf("%w: chunk %d uses method %q", errors.ErrTreeMismatch, i, c.Method)
		}
		if b, err := hex.DecodeString(c.Hash); err != nil || len(b) != 16 {
			return fmt.Errorf("%w: chunk %d hash %q is not md5", errors.ErrTreeMismatch, i, c.Hash)
		}
		if c.Start != next {
			return fmt.Errorf("%w: chunk %d starts at %d, expected %d", errors.ErrTreeMismatch, i, c.Start, next)
		}
		if c.End < c.Start {
			return fmt.Errorf("%w: chunk %d ends at %d before start %d", errors.ErrTreeMismatch, i, c.End, c.Start)
		}
		next = c.End + 1
	}
	if next != size {
		return fmt.Errorf("%w: chunks cover %d of %d bytes", errors.ErrTreeMismatch, next, size)
	}
	return nil
}
