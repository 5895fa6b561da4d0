package media

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/MimeLyc/sizetrimmer/internal/config"
	"github.com/MimeLyc/sizetrimmer/internal/library"
	"github.com/MimeLyc/sizetrimmer/pkg/file"
)

const (
	videoContainer = ".mkv"
	tempInfix      = ".tmp"
	keepInfix      = ".trimmed"
	vaapiDevice    = "/dev/dri/renderD128"
)

var audioContainers = map[string]string{
	"libmp3lame": ".mp3",
	"aac":        ".m4a",
	"libopus":    ".opus",
	"flac":       ".flac",
}

func outputExt(mediaType library.MediaType, settings config.Settings) string {
	if mediaType == library.MediaMusic {
		if ext, ok := audioContainers[settings.AudioCodecMusic]; ok {
			return ext
		}
		return ".mp3"
	}
	return videoContainer
}

// OutputPaths returns where the engine writes (tmp) and where the result is
// renamed to once the encode succeeded (final). The temp name keeps the full
// source name, so a.mp4 and a.avi never share one. When the original is kept
// and would be overwritten, the result gets a ".trimmed" infix instead.
func OutputPaths(src string, mediaType library.MediaType, settings config.Settings) (tmp, final string) {
	ext := outputExt(mediaType, settings)

	tmp = src + tempInfix + ext
	final = file.ReplaceExt(src, ext)
	if !settings.ReplaceOriginal && final == src {
		final = file.WithSuffix(src, keepInfix, ext)
	}
	return tmp, final
}

// BuildEncodeArgs assembles the ffmpeg command line for one job. Progress is
// written to stdout as key=value blocks.
func BuildEncodeArgs(settings config.Settings, mediaType library.MediaType, src, dst string) []string {
	args := []string{"-hide_banner", "-nostdin", "-y"}
	if mediaType.IsVideo() && strings.HasSuffix(settings.VideoCodec, "_vaapi") {
		args = append(args, "-vaapi_device", vaapiDevice)
	}
	args = append(args, "-i", src)

	if mediaType == library.MediaMusic {
		args = append(args, audioArgs(settings)...)
	} else {
		args = append(args, videoArgs(settings, mediaType)...)
	}

	return append(args, "-progress", "pipe:1", "-nostats", dst)
}

func audioArgs(settings config.Settings) []string {
	args := []string{"-map", "0:a:0", "-map_metadata", "0", "-c:a", settings.AudioCodecMusic}
	// flac is lossless and ignores a bitrate
	if settings.AudioCodecMusic != "flac" {
		args = append(args, "-b:a", settings.MusicBitrate)
	}
	return args
}

func videoArgs(settings config.Settings, mediaType library.MediaType) []string {
	target := settings.TargetResolution(mediaType == library.MediaTV)
	filter := fmt.Sprintf("scale='min(%d,iw)':-2", target.Width)
	if strings.HasSuffix(settings.VideoCodec, "_vaapi") {
		filter += ",format=nv12,hwupload"
	}

	args := []string{"-map", "0:v:0", "-map", "0:a?", "-map", "0:s?", "-c:v", settings.VideoCodec}
	args = append(args, qualityArgs(settings.VideoCodec, settings.FFmpegPreset, settings.FFmpegCRF)...)
	args = append(args, "-vf", filter, "-c:a", settings.AudioCodecVideo)
	if settings.AudioCodecVideo != "copy" {
		args = append(args, "-b:a", settings.VideoAudioBitrate)
	}
	return append(args, "-c:s", "copy")
}

// qualityArgs translates the software preset and CRF into what each encoder
// family understands.
func qualityArgs(codec, preset string, crf int) []string {
	q := strconv.Itoa(crf)
	switch {
	case strings.HasSuffix(codec, "_nvenc"):
		return []string{"-preset", hardwarePreset(preset), "-cq", q}
	case strings.HasSuffix(codec, "_qsv"):
		return []string{"-preset", hardwarePreset(preset), "-global_quality", q}
	case strings.HasSuffix(codec, "_amf"):
		return []string{"-quality", amfQuality(preset), "-rc", "cqp", "-qp_i", q, "-qp_p", q}
	case strings.HasSuffix(codec, "_vaapi"):
		return []string{"-qp", q}
	case strings.HasSuffix(codec, "_videotoolbox"):
		return []string{"-q:v", strconv.Itoa(videotoolboxQuality(crf))}
	case codec == "libsvtav1":
		return []string{"-preset", svtPreset(preset), "-crf", q}
	}
	return []string{"-preset", preset, "-crf", q}
}

// hardwarePreset folds the nine software presets onto slow, medium and fast.
func hardwarePreset(preset string) string {
	switch preset {
	case "veryslow", "slower", "slow":
		return "slow"
	case "fast", "faster", "veryfast", "superfast", "ultrafast":
		return "fast"
	}
	return "medium"
}

func amfQuality(preset string) string {
	switch hardwarePreset(preset) {
	case "slow":
		return "quality"
	case "fast":
		return "speed"
	}
	return "balanced"
}

var svtPresets = map[string]string{
	"ultrafast": "12",
	"superfast": "11",
	"veryfast":  "10",
	"faster":    "9",
	"fast":      "8",
	"medium":    "7",
	"slow":      "5",
	"slower":    "4",
	"veryslow":  "2",
}

func svtPreset(preset string) string {
	if p, ok := svtPresets[preset]; ok {
		return p
	}
	return "7"
}

// videotoolboxQuality maps CRF 0..51 (lower is better) onto -q:v 100..1
// (higher is better).
func videotoolboxQuality(crf int) int {
	q := 100 - crf*2
	return max(1, min(100, q))
}
