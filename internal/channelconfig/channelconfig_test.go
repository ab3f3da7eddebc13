package channelconfig

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestFormat_UnmarshalNested(t *testing.T) {
	var f Format
	err := yaml.Unmarshal([]byte(`
video:
  width: 1280
  height: 720
  frame_rate: "30000/1001"
audio:
  sample_rate: 48000
  channels: 2
`), &f)
	require.NoError(t, err)
	assert.Equal(t, Format{Width: 1280, Height: 720, FPSNum: 30000, FPSDen: 1001, SampleRate: 48000, Channels: 2}, f)
}

func TestFormat_UnmarshalFlat(t *testing.T) {
	var f Format
	err := yaml.Unmarshal([]byte(`
width: 1920
height: 1080
frame_rate: "60"
sample_rate: 48000
channels: 6
`), &f)
	require.NoError(t, err)
	assert.Equal(t, Format{Width: 1920, Height: 1080, FPSNum: 60, FPSDen: 1, SampleRate: 48000, Channels: 6}, f)
}

func TestFormat_NestedWinsOverFlat(t *testing.T) {
	var f Format
	err := yaml.Unmarshal([]byte(`
width: 111
frame_rate: "15"
video:
  width: 640
  height: 480
  frame_rate: "25"
audio:
  sample_rate: 44100
  channels: 1
`), &f)
	require.NoError(t, err)
	assert.Equal(t, 640, f.Width)
	assert.Equal(t, 25, f.FPSNum)
	assert.Equal(t, 44100, f.SampleRate)
}

func TestFormat_RejectsNonMapping(t *testing.T) {
	var f Format
	err := yaml.Unmarshal([]byte(`"720p"`), &f)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "format must be a mapping")
}

func TestParseFrameRate(t *testing.T) {
	tests := []struct {
		in      string
		num     int
		den     int
		wantErr bool
	}{
		{in: "30", num: 30, den: 1},
		{in: "30/1", num: 30, den: 1},
		{in: "30000/1001", num: 30000, den: 1001},
		{in: " 25 / 1 ", num: 25, den: 1},
		{in: "", wantErr: true},
		{in: "ntsc", wantErr: true},
		{in: "30/", wantErr: true},
		{in: "0/1", wantErr: true},
		{in: "30/0", wantErr: true},
		{in: "-30/1", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			num, den, err := ParseFrameRate(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.num, num)
			assert.Equal(t, tt.den, den)
		})
	}
}

func validChannel() Channel {
	ch := Channel{
		ID:      "retro-one",
		Number:  3,
		Name:    "Retro One",
		DSLPath: "/etc/retrovue/dsl/retro-one.yaml",
	}
	ch.withDefaults()
	return ch
}

func TestChannel_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Channel)
		wantErr string
	}{
		{
			name:   "valid",
			mutate: func(*Channel) {},
		},
		{
			name:    "missing id",
			mutate:  func(c *Channel) { c.ID = "" },
			wantErr: "channel id is required",
		},
		{
			name:    "id with separator",
			mutate:  func(c *Channel) { c.ID = "retro/one" },
			wantErr: "must not contain separators",
		},
		{
			name:    "zero number",
			mutate:  func(c *Channel) { c.Number = 0 },
			wantErr: "channel_number must be positive",
		},
		{
			name:    "too many audio channels",
			mutate:  func(c *Channel) { c.Format.Channels = 9 },
			wantErr: "between 1 and 8",
		},
		{
			name:    "grid out of range",
			mutate:  func(c *Channel) { c.GridMinutes = 61 },
			wantErr: "grid_minutes must be between 1 and 60",
		},
		{
			name:    "unknown timezone",
			mutate:  func(c *Channel) { c.Timezone = "Mars/Olympus" },
			wantErr: `timezone "Mars/Olympus"`,
		},
		{
			name:    "filler without path",
			mutate:  func(c *Channel) { c.Filler = &Filler{DurationMs: 1000} },
			wantErr: "filler.path is required",
		},
		{
			name:    "filler without duration",
			mutate:  func(c *Channel) { c.Filler = &Filler{Path: "/media/pool.ts"} },
			wantErr: "filler.duration_ms must be positive",
		},
		{
			name:    "missing dsl path",
			mutate:  func(c *Channel) { c.DSLPath = "" },
			wantErr: "dsl_path is required",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ch := validChannel()
			tt.mutate(&ch)
			err := ch.Validate()
			if tt.wantErr == "" {
				require.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestChannel_LocationCachedByValidate(t *testing.T) {
	ch := validChannel()
	ch.Timezone = "America/New_York"
	require.NoError(t, ch.Validate())
	assert.Equal(t, "America/New_York", ch.Location().String())

	unvalidated := Channel{}
	assert.Equal(t, "UTC", unvalidated.Location().String())
}

func TestChannel_Equal(t *testing.T) {
	a := validChannel()
	b := validChannel()
	assert.True(t, a.equal(&b))

	b.Name = "Retro One HD"
	assert.False(t, a.equal(&b))

	b = validChannel()
	b.Filler = &Filler{Path: "/media/pool.ts", DurationMs: 600000}
	assert.False(t, a.equal(&b))

	a.Filler = &Filler{Path: "/media/pool.ts", DurationMs: 600000}
	assert.True(t, a.equal(&b))

	b.Format.FPSNum = 25
	assert.False(t, a.equal(&b))
}
