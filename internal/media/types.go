package media

import (
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/MimeLyc/sizetrimmer/internal/config"
	"github.com/MimeLyc/sizetrimmer/internal/library"
)

// ProbeResult is the subset of `ffprobe -show_streams -show_format` output
// the pipeline reads.
type ProbeResult struct {
	Streams []Stream `json:"streams"`
	Format  Format   `json:"format"`
}

type Stream struct {
	Index     int               `json:"index"`
	CodecType string            `json:"codec_type"`
	CodecName string            `json:"codec_name"`
	Width     int               `json:"width"`
	Height    int               `json:"height"`
	Tags      map[string]string `json:"tags"`
}

type Format struct {
	FormatName string `json:"format_name"`
	Duration   string `json:"duration"`
	Size       string `json:"size"`
	BitRate    string `json:"bit_rate"`
}

// Duration of the container, zero when ffprobe could not tell.
func (p *ProbeResult) Duration() time.Duration {
	if p == nil {
		return 0
	}
	secs, err := strconv.ParseFloat(strings.TrimSpace(p.Format.Duration), 64)
	if err != nil || secs <= 0 {
		return 0
	}
	return time.Duration(secs * float64(time.Second))
}

func (p *ProbeResult) PrimaryVideo() (Stream, bool) {
	return p.first("video")
}

func (p *ProbeResult) PrimaryAudio() (Stream, bool) {
	return p.first("audio")
}

func (p *ProbeResult) first(codecType string) (Stream, bool) {
	if p == nil {
		return Stream{}, false
	}
	for _, s := range p.Streams {
		if s.CodecType != codecType {
			continue
		}
		// cover art shows up as a video stream in audio files
		if codecType == "video" && s.CodecName == "mjpeg" {
			continue
		}
		return s, true
	}
	return Stream{}, false
}

// codecFamily maps an encoder name to the codec_name ffprobe reports for its
// output.
func codecFamily(encoder string) string {
	switch {
	case encoder == "libx265" || strings.HasPrefix(encoder, "hevc_"):
		return "hevc"
	case encoder == "libx264" || strings.HasPrefix(encoder, "h264_"):
		return "h264"
	case encoder == "libsvtav1" || strings.HasPrefix(encoder, "av1_"):
		return "av1"
	case encoder == "libmp3lame":
		return "mp3"
	case encoder == "libopus":
		return "opus"
	}
	return encoder
}

func sameCodec(probed, family string) bool {
	probed = strings.ToLower(probed)
	if probed == family {
		return true
	}
	return family == "hevc" && probed == "h265"
}

// IsOptimized reports whether a file already meets the target settings and
// would only lose quality by another pass. Video files must be in the target
// codec family, no wider than the target resolution and in a Matroska
// container. Audio files only need the target codec.
func IsOptimized(probe *ProbeResult, path string, mediaType library.MediaType, settings config.Settings) bool {
	if probe == nil {
		return false
	}

	if mediaType == library.MediaMusic {
		audio, ok := probe.PrimaryAudio()
		if !ok {
			return false
		}
		return sameCodec(audio.CodecName, codecFamily(settings.AudioCodecMusic))
	}

	if !mediaType.IsVideo() {
		return false
	}
	video, ok := probe.PrimaryVideo()
	if !ok {
		return false
	}
	if !sameCodec(video.CodecName, codecFamily(settings.VideoCodec)) {
		return false
	}
	target := settings.TargetResolution(mediaType == library.MediaTV)
	if video.Width > target.Width {
		return false
	}
	return strings.EqualFold(filepath.Ext(path), videoContainer)
}
