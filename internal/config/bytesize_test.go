package config

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseByteSize(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected int64
		wantErr  bool
	}{
		{"raw bytes", "5242880", 5242880, false},
		{"kilobytes", "500KB", 500 * 1024, false},
		{"megabytes", "5MB", 5 * 1024 * 1024, false},
		{"gigabytes", "1GB", 1 << 30, false},
		{"terabytes", "2TB", 2 << 40, false},
		{"fractional", "1.5GB", 3 << 29, false},
		{"lowercase", "5mb", 5 * 1024 * 1024, false},
		{"spaced", "1.5 GB", 3 << 29, false},
		{"short unit", "2M", 2 * 1024 * 1024, false},
		{"iec unit", "2MiB", 2 * 1024 * 1024, false},
		{"bare b", "100b", 100, false},

		{"empty", "", 0, true},
		{"negative", "-5MB", 0, true},
		{"unknown unit", "5XB", 0, true},
		{"no number", "MB", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseByteSize(tt.input)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.expected, got.Bytes())
		})
	}
}

func TestByteSizeUnmarshalText(t *testing.T) {
	var b ByteSize
	require.NoError(t, b.UnmarshalText([]byte("1MB")))
	assert.Equal(t, int64(1<<20), b.Bytes())

	assert.Error(t, b.UnmarshalText([]byte("huge")))
}

func TestByteSizeJSON(t *testing.T) {
	type payload struct {
		Queue ByteSize `json:"queue"`
	}

	var p payload
	require.NoError(t, json.Unmarshal([]byte(`{"queue":"2MB"}`), &p))
	assert.Equal(t, int64(2<<20), p.Queue.Bytes())

	// Raw byte count still accepted
	require.NoError(t, json.Unmarshal([]byte(`{"queue":1316}`), &p))
	assert.Equal(t, int64(1316), p.Queue.Bytes())

	out, err := json.Marshal(payload{Queue: ByteSize(1 << 20)})
	require.NoError(t, err)
	assert.JSONEq(t, `{"queue":"1MB"}`, string(out))
}

func TestByteSizeString(t *testing.T) {
	assert.Equal(t, "1KB", ByteSize(1024).String())
	assert.Equal(t, "5MB", ByteSize(5*1024*1024).String())
	assert.Equal(t, "1GB", ByteSize(1<<30).String())
	assert.Equal(t, "1316", ByteSize(1316).String())
	assert.Equal(t, "0", ByteSize(0).String())
}
