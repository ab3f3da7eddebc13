package dsl

import (
	"bufio"
	"compress/bzip2"
	"compress/gzip"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/andybalholm/brotli"
	"github.com/ulikunitz/xz"
	"gopkg.in/yaml.v3"
)

// LoadDocument reads, decompresses, parses, and validates a programming
// document from disk. Compression is detected from magic bytes; brotli has
// none, so it rides on the .br extension.
func LoadDocument(path string) (*Document, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, &CompileError{Document: path, Detail: "opening document", Err: err}
	}
	defer f.Close()

	var r io.Reader = f
	if strings.HasSuffix(path, ".br") {
		r = brotli.NewReader(f)
	}

	doc, err := ParseDocument(r)
	if err != nil {
		if ce, ok := err.(*CompileError); ok {
			ce.Document = path
			return nil, ce
		}
		return nil, &CompileError{Document: path, Detail: err.Error(), Err: err}
	}
	return doc, nil
}

// ParseDocument parses a potentially compressed YAML programming document.
// It auto-detects gzip, bzip2, and xz from magic bytes.
func ParseDocument(r io.Reader) (*Document, error) {
	br := bufio.NewReader(r)

	header, err := br.Peek(6)
	if err != nil && err != io.EOF {
		return nil, &CompileError{Detail: "peeking header", Err: err}
	}

	var reader io.Reader = br

	switch {
	case len(header) >= 2 && header[0] == 0x1f && header[1] == 0x8b:
		// Gzip
		gzr, err := gzip.NewReader(br)
		if err != nil {
			return nil, &CompileError{Detail: "creating gzip reader", Err: err}
		}
		defer gzr.Close()
		reader = gzr

	case len(header) >= 3 && header[0] == 'B' && header[1] == 'Z' && header[2] == 'h':
		// Bzip2
		reader = bzip2.NewReader(br)

	case len(header) >= 6 && header[0] == 0xfd && header[1] == '7' && header[2] == 'z' && header[3] == 'X' && header[4] == 'Z' && header[5] == 0x00:
		// XZ
		xzr, err := xz.NewReader(br)
		if err != nil {
			return nil, &CompileError{Detail: "creating xz reader", Err: err}
		}
		reader = xzr
	}

	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, &CompileError{Detail: "reading document", Err: err}
	}

	var doc Document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, &CompileError{Detail: fmt.Sprintf("parsing YAML: %v", err), Err: err}
	}
	if err := doc.Validate(); err != nil {
		return nil, err
	}
	return &doc, nil
}
