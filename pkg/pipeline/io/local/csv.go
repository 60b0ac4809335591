package local

import (
	"bufio"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"
)

// ErrEncoding is returned when a source cannot be decoded under any fallback.
var ErrEncoding = errors.New("local: undecodable input")

// Encoding names the decoder a source was opened with.
type Encoding string

const (
	EncodingUTF8 Encoding = "utf-8"
	// EncodingWindows1252 is the Latin-1 compatible fallback.
	EncodingWindows1252 Encoding = "windows-1252"
	// EncodingUTF8Lossy substitutes U+FFFD for invalid bytes.
	EncodingUTF8Lossy Encoding = "utf-8-replace"
)

func (e Encoding) decoder() *encoding.Decoder {
	switch e {
	case EncodingWindows1252:
		return charmap.Windows1252.NewDecoder()
	default:
		// Strips a leading BOM; invalid sequences become U+FFFD.
		return unicode.UTF8BOM.NewDecoder()
	}
}

// DetectEncoding picks the first encoding under which the whole stream decodes cleanly.
func DetectEncoding(r io.Reader) (Encoding, error) {
	br := bufio.NewReaderSize(r, 64*1024)
	utf8OK, cp1252OK := true, true
	var carry []byte
	buf := make([]byte, 64*1024)
	for {
		n, err := br.Read(buf)
		chunk := append(carry, buf[:n]...)
		carry = nil
		if utf8OK {
			valid, rest := validUTF8Prefix(chunk, err == io.EOF)
			if !valid {
				utf8OK = false
			} else {
				carry = rest
			}
		}
		if cp1252OK {
			for _, c := range buf[:n] {
				if undefinedIn1252(c) {
					cp1252OK = false
					break
				}
			}
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", fmt.Errorf("%w: %v", ErrEncoding, err)
		}
		if !utf8OK && !cp1252OK {
			break
		}
	}
	switch {
	case utf8OK:
		return EncodingUTF8, nil
	case cp1252OK:
		return EncodingWindows1252, nil
	default:
		return EncodingUTF8Lossy, nil
	}
}

// validUTF8Prefix validates b, returning any incomplete trailing rune to carry into the next chunk.
func validUTF8Prefix(b []byte, final bool) (bool, []byte) {
	for i := 0; i < len(b); {
		if b[i] < utf8.RuneSelf {
			i++
			continue
		}
		if !final && !utf8.FullRune(b[i:]) {
			return true, append([]byte(nil), b[i:]...)
		}
		r, size := utf8.DecodeRune(b[i:])
		if r == utf8.RuneError && size <= 1 {
			return false, nil
		}
		i += size
	}
	return true, nil
}

func undefinedIn1252(c byte) bool {
	switch c {
	case 0x81, 0x8D, 0x8F, 0x90, 0x9D:
		return true
	}
	return false
}

// Reader streams rows of a tabular source with a cleaned header.
//
// Columns with blank or "Unnamed:" labels are dropped, labels are trimmed, and
// duplicate labels get ".1", ".2" suffixes.
type Reader struct {
	closer io.Closer
	cr     *csv.Reader
	enc    Encoding

	header []string
	keep   []int
	peeked [][]string
	err    error
}

// Open detects the file's encoding and returns a Reader positioned after the header.
func Open(path string) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	enc, err := DetectEncoding(f)
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("detect encoding of %s: %w", path, err)
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("rewind %s: %w", path, err)
	}
	r, err := newReader(f, enc, f)
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return r, nil
}

// NewReader wraps an already opened stream decoded with enc.
func NewReader(r io.Reader, enc Encoding) (*Reader, error) {
	return newReader(r, enc, nil)
}

func newReader(r io.Reader, enc Encoding, closer io.Closer) (*Reader, error) {
	cr := csv.NewReader(transform.NewReader(r, enc.decoder()))
	cr.FieldsPerRecord = -1
	cr.LazyQuotes = true
	cr.ReuseRecord = false

	raw, err := cr.Read()
	if err == io.EOF {
		return nil, fmt.Errorf("missing header row")
	}
	if err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}
	header, keep := cleanHeader(raw)
	if len(header) == 0 {
		return nil, fmt.Errorf("header has no usable columns")
	}
	return &Reader{closer: closer, cr: cr, enc: enc, header: header, keep: keep}, nil
}

func cleanHeader(raw []string) ([]string, []int) {
	var (
		header []string
		keep   []int
		seen   = make(map[string]int)
	)
	for i, label := range raw {
		label = strings.TrimSpace(label)
		if label == "" || strings.HasPrefix(label, "Unnamed:") {
			continue
		}
		if n, dup := seen[label]; dup {
			seen[label] = n + 1
			label = label + "." + strconv.Itoa(n)
			for seen[label] > 0 {
				label += "_"
			}
		}
		seen[label]++
		header = append(header, label)
		keep = append(keep, i)
	}
	return header, keep
}

// Header returns the cleaned column labels.
func (r *Reader) Header() []string {
	return append([]string(nil), r.header...)
}

// Encoding reports which decoder the source was opened with.
func (r *Reader) Encoding() Encoding {
	return r.enc
}

// Peek returns up to k upcoming rows without consuming them.
func (r *Reader) Peek(k int) ([][]string, error) {
	for len(r.peeked) < k {
		row, err := r.read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		r.peeked = append(r.peeked, row)
	}
	n := min(k, len(r.peeked))
	out := make([][]string, n)
	for i := range n {
		out[i] = append([]string(nil), r.peeked[i]...)
	}
	return out, nil
}

// Next returns the next row projected onto Header. It returns io.EOF at the end.
func (r *Reader) Next() ([]string, error) {
	if len(r.peeked) > 0 {
		row := r.peeked[0]
		r.peeked = r.peeked[1:]
		return row, nil
	}
	return r.read()
}

func (r *Reader) read() ([]string, error) {
	if r.err != nil {
		return nil, r.err
	}
	rec, err := r.cr.Read()
	if err != nil {
		if err != io.EOF {
			err = fmt.Errorf("read row: %w", err)
		}
		r.err = err
		return nil, err
	}
	row := make([]string, len(r.keep))
	for i, idx := range r.keep {
		if idx < len(rec) {
			row[i] = strings.TrimSpace(rec[idx])
		}
	}
	return row, nil
}

// Close releases the underlying file, if any.
func (r *Reader) Close() error {
	if r.closer == nil {
		return nil
	}
	err := r.closer.Close()
	r.closer = nil
	return err
}

// CountRows returns the number of data rows in path.
func CountRows(path string) (int, error) {
	r, err := Open(path)
	if err != nil {
		return 0, err
	}
	defer r.Close()

	n := 0
	for {
		if _, err := r.Next(); err != nil {
			if err == io.EOF {
				return n, nil
			}
			return n, err
		}
		n++
	}
}
