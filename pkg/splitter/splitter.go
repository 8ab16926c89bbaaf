// Package splitter divides a large Jones coefficient corpus into byte ranges
// aligned to record boundaries. Each range, wrapped in a synthetic
// {"data":{...}} envelope, is an independently parseable JSON document, and
// the union of all ranges covers every record exactly once. Only bounded
// windows around the naive cut points are ever read; the document is never
// materialized in memory.
package splitter

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"go.uber.org/zap"

	sdkerrors "github.com/knotmetrics/jmindex/pkg/errors"
)

const (
	// shardHeader and shardFooter wrap a shard's byte range into a valid
	// document of the same shape as the original corpus.
	shardHeader = `{"data":{`
	shardFooter = `}}`

	// defaultScanWindow bounds the forward search for a safe boundary.
	defaultScanWindow int64 = 1 << 20

	// headWindow bounds the search for the opening of the data object.
	headWindow = 64 << 10

	// tailWindow bounds the search for the closing of the data object.
	tailWindow = 64 << 10
)

// Shard is one byte range of the corpus covering whole records. Start points
// at the '"' opening the first record's key; End is the offset just past the
// last record's closing '}'. Start == End marks an empty shard.
type Shard struct {
	Index int
	Path  string
	Start int64
	End   int64
}

// Size returns the shard's length in bytes.
func (s Shard) Size() int64 { return s.End - s.Start }

// Open returns a reader over the shard wrapped as a standalone corpus
// document. The underlying file is read incrementally; closing the reader
// closes the file.
func (s Shard) Open() (io.ReadCloser, error) {
	f, err := os.Open(s.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open shard source: %w", err)
	}
	return &shardReader{
		Reader: io.MultiReader(
			strings.NewReader(shardHeader),
			io.NewSectionReader(f, s.Start, s.End-s.Start),
			strings.NewReader(shardFooter),
		),
		file: f,
	}, nil
}

type shardReader struct {
	io.Reader
	file *os.File
}

func (r *shardReader) Close() error { return r.file.Close() }

// Splitter computes record-aligned byte ranges for a corpus file.
type Splitter struct {
	scanWindow int64
	logger     *zap.Logger
}

// Option configures a Splitter.
type Option func(*Splitter)

// WithScanWindow overrides the bounded window searched for a safe boundary
// after each naive cut point.
func WithScanWindow(n int64) Option {
	return func(s *Splitter) {
		if n > 0 {
			s.scanWindow = n
		}
	}
}

// New creates a Splitter. A nil logger is replaced with a no-op logger.
func New(logger *zap.Logger, opts ...Option) *Splitter {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Splitter{
		scanWindow: defaultScanWindow,
		logger:     logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Split produces up to n disjoint shards whose union covers every record of
// the corpus exactly once. Fewer shards are returned when the corpus is too
// small to support n non-empty ranges. A corpus in which no safe boundary
// can be found within the scan window yields a FormatError: the input cannot
// be trusted and the whole run must abort.
func (s *Splitter) Split(path string, n int) ([]Shard, error) {
	if n < 1 {
		n = 1
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open corpus: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("failed to stat corpus: %w", err)
	}
	size := info.Size()

	dataStart, err := findDataStart(f, size)
	if err != nil {
		return nil, err
	}
	dataEnd, err := findDataEnd(f, size)
	if err != nil {
		return nil, err
	}
	if dataEnd < dataStart {
		return nil, sdkerrors.NewFormatError(dataStart, "data object closes before it opens", sdkerrors.ErrMalformedInput)
	}

	// Trim whitespace (and an empty data object) down to the record span.
	start, err := trimForward(f, dataStart, dataEnd)
	if err != nil {
		return nil, err
	}
	if start == dataEnd {
		s.logger.Info("Corpus contains no records", zap.String("path", path))
		return []Shard{{Index: 0, Path: path, Start: dataEnd, End: dataEnd}}, nil
	}

	s.logger.Info("Splitting corpus",
		zap.String("path", path),
		zap.Int64("size_bytes", size),
		zap.Int64("data_start", start),
		zap.Int64("data_end", dataEnd),
		zap.Int("target_shards", n))

	span := dataEnd - start
	cuts := make([]boundary, 0, n-1)
	prev := start
	for i := 1; i < n; i++ {
		target := start + span*int64(i)/int64(n)
		if target <= prev {
			continue
		}
		b, err := s.findSafeBoundary(f, target, dataEnd)
		if err != nil {
			return nil, err
		}
		if b.key <= prev || b.key >= dataEnd {
			// The window ran past the end of the data or collapsed into the
			// previous shard; fewer shards result.
			continue
		}
		cuts = append(cuts, b)
		prev = b.key
		s.logger.Debug("Found shard boundary",
			zap.Int64("target", target),
			zap.Int64("boundary", b.key))
	}

	shards := make([]Shard, 0, len(cuts)+1)
	cur := start
	for _, b := range cuts {
		shards = append(shards, Shard{Index: len(shards), Path: path, Start: cur, End: b.comma})
		cur = b.key
	}
	shards = append(shards, Shard{Index: len(shards), Path: path, Start: cur, End: dataEnd})

	// The first shard begins at the document's own first record; validate it
	// the same way cut boundaries were validated.
	if err := validateShardStart(f, shards[0].Start, dataEnd); err != nil {
		return nil, sdkerrors.NewFormatError(shards[0].Start, "corpus does not start with a parseable record", err)
	}

	s.logger.Info("Split complete", zap.Int("shards", len(shards)))
	return shards, nil
}

// findSafeBoundary scans forward from the naive cut point for a candidate
// seam, validating each candidate with an incremental parse before trusting
// it. Exhausting the bounded window is fatal: it signals corrupt or
// non-standard input, not a condition to paper over.
func (s *Splitter) findSafeBoundary(f *os.File, from, dataEnd int64) (boundary, error) {
	limit := from + s.scanWindow
	if limit > dataEnd {
		limit = dataEnd
	}
	window := make([]byte, limit-from)
	if _, err := f.ReadAt(window, from); err != nil && err != io.EOF {
		return boundary{}, sdkerrors.NewFormatError(from, "failed to read scan window", err)
	}

	for _, cand := range scanBoundaries(window, from) {
		if err := validateShardStart(f, cand.key, dataEnd); err != nil {
			s.logger.Debug("Rejected candidate boundary",
				zap.Int64("offset", cand.key),
				zap.Error(err))
			continue
		}
		return cand, nil
	}
	if limit >= dataEnd {
		// Ran off the end of the data object: the tail belongs to the
		// previous shard and this cut is dropped, not an input error.
		return boundary{comma: dataEnd, key: dataEnd}, nil
	}
	return boundary{}, sdkerrors.NewFormatError(from, "no safe record boundary within scan window", sdkerrors.ErrNoBoundary)
}

// validateShardStart incrementally decodes the first record of a would-be
// shard beginning at offset. Only the envelope tokens and one record value
// are consumed, so validation cost is independent of shard size.
func validateShardStart(f *os.File, offset, dataEnd int64) error {
	dec := json.NewDecoder(io.MultiReader(
		strings.NewReader(shardHeader),
		io.NewSectionReader(f, offset, dataEnd-offset),
		strings.NewReader(shardFooter),
	))

	// {, "data", {
	for i := 0; i < 3; i++ {
		if _, err := dec.Token(); err != nil {
			return fmt.Errorf("envelope token %d: %w", i, err)
		}
	}
	if !dec.More() {
		return nil // empty shard
	}
	tok, err := dec.Token()
	if err != nil {
		return fmt.Errorf("record key: %w", err)
	}
	if _, ok := tok.(string); !ok {
		return fmt.Errorf("record key is %T, want string", tok)
	}
	var value json.RawMessage
	if err := dec.Decode(&value); err != nil {
		return fmt.Errorf("record value: %w", err)
	}
	return nil
}

// findDataStart locates the first byte after the '{' opening the data object.
func findDataStart(f *os.File, size int64) (int64, error) {
	n := int64(headWindow)
	if n > size {
		n = size
	}
	head := make([]byte, n)
	if _, err := f.ReadAt(head, 0); err != nil && err != io.EOF {
		return 0, sdkerrors.NewFormatError(0, "failed to read corpus head", err)
	}

	idx := strings.Index(string(head), `"data"`)
	if idx < 0 {
		return 0, sdkerrors.NewFormatError(0, `no "data" key near start of corpus`, sdkerrors.ErrMalformedInput)
	}
	i := skipSpace(head, idx+len(`"data"`))
	if i >= len(head) || head[i] != ':' {
		return 0, sdkerrors.NewFormatError(int64(i), `expected ':' after "data"`, sdkerrors.ErrMalformedInput)
	}
	i = skipSpace(head, i+1)
	if i >= len(head) || head[i] != '{' {
		return 0, sdkerrors.NewFormatError(int64(i), `expected '{' opening the data object`, sdkerrors.ErrMalformedInput)
	}
	return int64(i) + 1, nil
}

// findDataEnd locates the offset of the '}' closing the data object by
// scanning a bounded tail: the last two closing braces end the document.
func findDataEnd(f *os.File, size int64) (int64, error) {
	n := int64(tailWindow)
	if n > size {
		n = size
	}
	base := size - n
	tail := make([]byte, n)
	if _, err := f.ReadAt(tail, base); err != nil && err != io.EOF {
		return 0, sdkerrors.NewFormatError(base, "failed to read corpus tail", err)
	}

	i := len(tail) - 1
	for i >= 0 && isSpace(tail[i]) {
		i--
	}
	if i < 0 || tail[i] != '}' {
		return 0, sdkerrors.NewFormatError(size, "corpus does not end with '}'", sdkerrors.ErrMalformedInput)
	}
	i--
	for i >= 0 && isSpace(tail[i]) {
		i--
	}
	if i < 0 || tail[i] != '}' {
		return 0, sdkerrors.NewFormatError(size, "data object is not closed", sdkerrors.ErrMalformedInput)
	}
	return base + int64(i), nil
}

// trimForward advances past whitespace at the head of the record span.
func trimForward(f *os.File, from, to int64) (int64, error) {
	for from < to {
		var b [1]byte
		if _, err := f.ReadAt(b[:], from); err != nil {
			return 0, sdkerrors.NewFormatError(from, "failed to read record span", err)
		}
		if !isSpace(b[0]) {
			return from, nil
		}
		from++
	}
	return to, nil
}

func isSpace(b byte) bool {
	return b == ' ' || b == '\t' || b == '\n' || b == '\r'
}
