package dsl

import (
	"bytes"
	"compress/gzip"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/andybalholm/brotli"
	"github.com/dsnet/compress/bzip2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ulikunitz/xz"
)

func TestParseDocument_Plain(t *testing.T) {
	doc, err := ParseDocument(strings.NewReader(sampleDoc))
	require.NoError(t, err)
	assert.Equal(t, "retro-one", doc.Channel)
}

func TestParseDocument_Gzip(t *testing.T) {
	var buf bytes.Buffer
	gw := gzip.NewWriter(&buf)
	_, err := gw.Write([]byte(sampleDoc))
	require.NoError(t, err)
	require.NoError(t, gw.Close())

	doc, err := ParseDocument(bytes.NewReader(buf.Bytes()))
	require.NoError(t, err)
	assert.Equal(t, "retro-one", doc.Channel)
}

func TestParseDocument_Bzip2(t *testing.T) {
	var buf bytes.Buffer
	bw, err := bzip2.NewWriter(&buf, nil)
	require.NoError(t, err)
	_, err = bw.Write([]byte(sampleDoc))
	require.NoError(t, err)
	require.NoError(t, bw.Close())

	doc, err := ParseDocument(bytes.NewReader(buf.Bytes()))
	require.NoError(t, err)
	assert.Equal(t, "retro-one", doc.Channel)
}

func TestParseDocument_XZ(t *testing.T) {
	var buf bytes.Buffer
	xw, err := xz.NewWriter(&buf)
	require.NoError(t, err)
	_, err = xw.Write([]byte(sampleDoc))
	require.NoError(t, err)
	require.NoError(t, xw.Close())

	doc, err := ParseDocument(bytes.NewReader(buf.Bytes()))
	require.NoError(t, err)
	assert.Equal(t, "retro-one", doc.Channel)
}

func TestParseDocument_Empty(t *testing.T) {
	_, err := ParseDocument(strings.NewReader(""))
	require.Error(t, err)
	var ce *CompileError
	assert.ErrorAs(t, err, &ce)
}

func TestLoadDocument(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "retro-one.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sampleDoc), 0o644))

	doc, err := LoadDocument(path)
	require.NoError(t, err)
	assert.Equal(t, "retro-one", doc.Channel)
}

func TestLoadDocument_Brotli(t *testing.T) {
	var buf bytes.Buffer
	bw := brotli.NewWriter(&buf)
	_, err := bw.Write([]byte(sampleDoc))
	require.NoError(t, err)
	require.NoError(t, bw.Close())

	dir := t.TempDir()
	path := filepath.Join(dir, "retro-one.yaml.br")
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o644))

	doc, err := LoadDocument(path)
	require.NoError(t, err)
	assert.Equal(t, "retro-one", doc.Channel)
}

func TestLoadDocument_Missing(t *testing.T) {
	_, err := LoadDocument(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)

	var ce *CompileError
	require.ErrorAs(t, err, &ce)
	assert.Contains(t, ce.Document, "nope.yaml")
}

func TestLoadDocument_CarriesPathInError(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "broken.yaml")
	require.NoError(t, os.WriteFile(path, []byte("version: 1\nchannel: x\n"), 0o644))

	_, err := LoadDocument(path)
	require.Error(t, err)

	var ce *CompileError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, path, ce.Document)
}
