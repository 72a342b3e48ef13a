// Package dump streams SQL dump files: a line reader that sees through gzip,
// a quote aware statement scanner and an INSERT statement parser.
package dump

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/klauspost/compress/gzip"
)

const readBufferSize = 256 * 1024

// Reader reads a plain or gzip compressed dump line by line. Compression is
// detected from the first two bytes, not the file name. Reading is forward
// only; reaching an earlier line means opening the file again.
type Reader struct {
	file       *os.File
	gz         *gzip.Reader
	br         *bufio.Reader
	line       int
	compressed bool
	size       int64
}

// Open opens a dump file for reading.
func Open(path string) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open dump: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to stat dump: %w", err)
	}

	r := &Reader{file: f, size: info.Size()}
	raw := bufio.NewReaderSize(f, readBufferSize)
	magic, err := raw.Peek(2)
	if err != nil && !errors.Is(err, io.EOF) {
		f.Close()
		return nil, fmt.Errorf("failed to read dump header: %w", err)
	}

	if len(magic) == 2 && magic[0] == 0x1f && magic[1] == 0x8b {
		gz, err := gzip.NewReader(raw)
		if err != nil {
			f.Close()
			return nil, fmt.Errorf("failed to open gzip stream: %w", err)
		}
		r.gz = gz
		r.compressed = true
		r.br = bufio.NewReaderSize(gz, readBufferSize)
	} else {
		r.br = raw
	}
	return r, nil
}

// ReadLine returns the next line without its line terminator. The boolean is
// false at end of file.
func (r *Reader) ReadLine() (string, bool, error) {
	line, err := r.br.ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", false, fmt.Errorf("failed to read dump line %d: %w", r.line+1, err)
	}
	if line == "" && err != nil {
		return "", false, nil
	}
	r.line++
	line = strings.TrimSuffix(line, "\n")
	line = strings.TrimSuffix(line, "\r")
	return line, true, nil
}

// LineNumber is the number of the last line returned, starting at 1.
func (r *Reader) LineNumber() int {
	return r.line
}

// Compressed reports whether the file is gzip compressed.
func (r *Reader) Compressed() bool {
	return r.compressed
}

// Size is the size of the file on disk.
func (r *Reader) Size() int64 {
	return r.size
}

// Close releases the file.
func (r *Reader) Close() error {
	if r.gz != nil {
		r.gz.Close()
	}
	return r.file.Close()
}
