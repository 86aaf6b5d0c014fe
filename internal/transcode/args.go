package transcode

import (
	"fmt"
	"strconv"
	"strings"
)

// HLS segmenting constants shared by every job.
const (
	SegmentSeconds  = 4
	PlaylistWindow  = 10
	hlsFlags        = "delete_segments"
	bufsizeFactor   = 2
	defaultAudioBit = "128k"
)

// EncoderOptions are the operator-tunable parts of the encoder invocation.
// The zero value selects libx264/aac with the veryfast preset.
type EncoderOptions struct {
	VideoCodec   string
	AudioCodec   string
	Preset       string
	AudioBitrate string
}

func (o EncoderOptions) withDefaults() EncoderOptions {
	if o.VideoCodec == "" {
		o.VideoCodec = "libx264"
	}
	if o.AudioCodec == "" {
		o.AudioCodec = "aac"
	}
	if o.Preset == "" {
		o.Preset = "veryfast"
	}
	if o.AudioBitrate == "" {
		o.AudioBitrate = defaultAudioBit
	}
	return o
}

// InputURL joins the RTMP base URL and stream key.
func InputURL(rtmpBase string, key StreamKey) string {
	return strings.TrimRight(rtmpBase, "/") + "/" + string(key)
}

// BuildEncoderArgs returns the ffmpeg arguments that read input and write one
// HLS variant per profile into the working directory. Paths are relative; the
// process must run with its working directory set to the job's output dir.
func BuildEncoderArgs(input string, profiles []RenditionProfile, opts EncoderOptions) ([]string, error) {
	if strings.TrimSpace(input) == "" {
		return nil, fmt.Errorf("input source is required")
	}
	if len(profiles) == 0 {
		return nil, ErrNoProfiles
	}
	opts = opts.withDefaults()

	args := []string{
		"-hide_banner",
		"-loglevel", "warning",
		"-nostdin",
		"-y",
		"-i", input,
	}

	for range profiles {
		args = append(args, "-map", "0:v:0")
	}
	args = append(args, "-map", "0:a:0")

	args = append(args,
		"-c:v", opts.VideoCodec,
		"-preset", opts.Preset,
		"-c:a", opts.AudioCodec,
		"-b:a", opts.AudioBitrate,
	)

	varStreamMap := make([]string, 0, len(profiles))
	for i, p := range profiles {
		idx := strconv.Itoa(i)
		rate := strconv.Itoa(p.BitrateKbps) + "k"
		bufsize := strconv.Itoa(p.BitrateKbps*bufsizeFactor) + "k"
		args = append(args,
			"-b:v:"+idx, rate,
			"-s:v:"+idx, p.Resolution(),
			"-maxrate:v:"+idx, rate,
			"-bufsize:v:"+idx, bufsize,
		)
		varStreamMap = append(varStreamMap, fmt.Sprintf("v:%d,a:0", i))
	}

	args = append(args,
		"-f", "hls",
		"-hls_time", strconv.Itoa(SegmentSeconds),
		"-hls_list_size", strconv.Itoa(PlaylistWindow),
		"-hls_flags", hlsFlags,
		"-hls_segment_filename", segmentFilenameArg,
		"-var_stream_map", strings.Join(varStreamMap, " "),
		variantPlaylistArg,
	)

	return args, nil
}
