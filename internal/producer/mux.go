package producer

import (
	"fmt"
	"io"

	"github.com/bluenviron/mediacommon/v2/pkg/codecs/mpeg4audio"
	"github.com/bluenviron/mediacommon/v2/pkg/formats/mpegts"
)

// PID layout for the emitted program.
const (
	tsVideoPID = 0x0100
	tsAudioPID = 0x0101
)

// tsMux wraps the mediacommon MPEG-TS writer with a fixed H.264 + AAC-LC
// track pair. PAT/PMT emission and random-access marking on keyframe
// packets are handled by the writer.
type tsMux struct {
	writer *mpegts.Writer
	video  *mpegts.Track
	audio  *mpegts.Track
}

func newTSMux(w io.Writer, sampleRate, channels int) (*tsMux, error) {
	if sampleRate == 0 {
		sampleRate = 48000
	}
	if channels == 0 {
		channels = 2
	}

	video := &mpegts.Track{
		PID:   tsVideoPID,
		Codec: &mpegts.CodecH264{},
	}
	audio := &mpegts.Track{
		PID: tsAudioPID,
		Codec: &mpegts.CodecMPEG4Audio{
			Config: mpeg4audio.AudioSpecificConfig{
				Type:         mpeg4audio.ObjectTypeAACLC,
				SampleRate:   sampleRate,
				ChannelCount: channels,
			},
		},
	}

	writer := &mpegts.Writer{
		W:      w,
		Tracks: []*mpegts.Track{video, audio},
	}
	if err := writer.Initialize(); err != nil {
		return nil, fmt.Errorf("initializing mpegts writer: %w", err)
	}

	return &tsMux{writer: writer, video: video, audio: audio}, nil
}

// writeVideo muxes one access unit. pts and dts are in 90 kHz units; the
// synthetic pipeline emits no B-frames so they coincide.
func (m *tsMux) writeVideo(pts int64, au [][]byte) error {
	return m.writer.WriteH264(m.video, pts, pts, au)
}

func (m *tsMux) writeAudio(pts int64, aus [][]byte) error {
	return m.writer.WriteMPEG4Audio(m.audio, pts, aus)
}
