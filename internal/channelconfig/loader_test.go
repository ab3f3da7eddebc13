package channelconfig

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

const retroOneYAML = `channel: retro-one
channel_number: 3
name: Retro One
format:
  video:
    width: 1280
    height: 720
    frame_rate: "30000/1001"
  audio:
    sample_rate: 48000
    channels: 2
grid_minutes: 30
timezone: America/New_York
filler:
  path: /media/filler/retro.ts
  duration_ms: 3600000
dsl_path: /etc/retrovue/dsl/retro-one.yaml
`

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "retro-one.yaml", retroOneYAML)

	ch, err := LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "retro-one", ch.ID)
	assert.Equal(t, 3, ch.Number)
	assert.Equal(t, "Retro One", ch.Name)
	assert.Equal(t, Format{Width: 1280, Height: 720, FPSNum: 30000, FPSDen: 1001, SampleRate: 48000, Channels: 2}, ch.Format)
	assert.Equal(t, 30, ch.GridMinutes)
	assert.Equal(t, "America/New_York", ch.Location().String())
	require.NotNil(t, ch.Filler)
	assert.Equal(t, "/media/filler/retro.ts", ch.Filler.Path)
	assert.Equal(t, int64(3600000), ch.Filler.DurationMs)
	assert.Equal(t, "/etc/retrovue/dsl/retro-one.yaml", ch.DSLPath)
}

func TestLoadFile_AppliesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "bare.yaml", `channel: bare
channel_number: 9
name: Bare Minimum
dsl_path: /srv/dsl/bare.yaml
`)

	ch, err := LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, 30, ch.GridMinutes)
	assert.Equal(t, "UTC", ch.Timezone)
	assert.Equal(t, Format{Width: 1280, Height: 720, FPSNum: 30, FPSDen: 1, SampleRate: 48000, Channels: 2}, ch.Format)
	assert.Nil(t, ch.Filler)
}

func TestLoadFile_IncludeDottedKey(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "_common.yaml", `paths:
  dsl: /srv/retrovue/dsl/shared.yaml
format:
  video:
    width: 640
    height: 480
    frame_rate: "25"
  audio:
    sample_rate: 44100
    channels: 2
`)
	path := writeFile(t, dir, "retro-two.yaml", `channel: retro-two
channel_number: 4
name: Retro Two
format: !include _common.yaml:format
dsl_path: !include _common.yaml:paths.dsl
`)

	ch, err := LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, Format{Width: 640, Height: 480, FPSNum: 25, FPSDen: 1, SampleRate: 44100, Channels: 2}, ch.Format)
	assert.Equal(t, "/srv/retrovue/dsl/shared.yaml", ch.DSLPath)
	assert.Equal(t, 30, ch.GridMinutes)
}

func TestLoadFile_IncludeWholeDocument(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "_filler.yaml", `path: /media/filler/pool.ts
duration_ms: 600000
`)
	path := writeFile(t, dir, "retro-three.yaml", `channel: retro-three
channel_number: 5
name: Retro Three
filler: !include _filler.yaml
dsl_path: /srv/dsl/retro-three.yaml
`)

	ch, err := LoadFile(path)
	require.NoError(t, err)
	require.NotNil(t, ch.Filler)
	assert.Equal(t, "/media/filler/pool.ts", ch.Filler.Path)
	assert.Equal(t, int64(600000), ch.Filler.DurationMs)
}

func TestLoadFile_IncludeNested(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "_leaf.yaml", `dsl: /deep/shared.yaml
`)
	writeFile(t, dir, "_mid.yaml", `paths:
  dsl: !include _leaf.yaml:dsl
`)
	path := writeFile(t, dir, "nested.yaml", `channel: nested
channel_number: 6
name: Nested
dsl_path: !include _mid.yaml:paths.dsl
`)

	ch, err := LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "/deep/shared.yaml", ch.DSLPath)
}

func TestLoadFile_IncludeMissingFile(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "broken.yaml", `channel: broken
channel_number: 7
name: Broken
dsl_path: !include _nope.yaml
`)

	_, err := LoadFile(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "include _nope.yaml")
}

func TestLoadFile_IncludeMissingKey(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "_common.yaml", `paths:
  dsl: /srv/dsl.yaml
`)
	path := writeFile(t, dir, "broken.yaml", `channel: broken
channel_number: 7
name: Broken
dsl_path: !include _common.yaml:paths.missing
`)

	_, err := LoadFile(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), `key "paths.missing" not found`)
}

func TestLoadFile_IncludeCycleStops(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "_loop.yaml", `value: !include _loop.yaml:value
`)
	path := writeFile(t, dir, "loop.yaml", `channel: loop
channel_number: 8
name: Loop
dsl_path: !include _loop.yaml:value
`)

	_, err := LoadFile(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "nest deeper")
}

func TestLoadFile_EmptyDocument(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "empty.yaml", "")

	_, err := LoadFile(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "empty document")
}

func TestLoadFile_InvalidChannelFails(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "missing-dsl.yaml", `channel: missing-dsl
channel_number: 2
name: No Programming
`)

	_, err := LoadFile(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "dsl_path is required")
}
