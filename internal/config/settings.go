package config

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"regexp"
	"slices"
	"sort"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
)

var (
	ErrValidation      = errors.New("invalid settings")
	ErrCorruptSettings = errors.New("corrupt settings file")
)

// Settings is the encoding configuration edited from the dashboard. Jobs copy it
// at enqueue time, so changes only reach jobs admitted afterwards.
type Settings struct {
	ParentDirectory string   `json:"parent_directory" validate:"omitempty,existingdir"`
	TVShowKeywords  []string `json:"tv_show_keywords" validate:"dive,required"`
	MovieKeywords   []string `json:"movie_keywords" validate:"dive,required"`
	MusicKeywords   []string `json:"music_keywords" validate:"dive,required"`
	ExcludePatterns []string `json:"exclude_patterns" validate:"dive,required,globpattern"`

	VideoCodec        string `json:"video_codec" validate:"required,oneof=libx265 libx264 libsvtav1 hevc_nvenc h264_nvenc av1_nvenc hevc_amf h264_amf hevc_qsv h264_qsv hevc_vaapi hevc_videotoolbox"`
	FFmpegPreset      string `json:"ffmpeg_preset" validate:"required,oneof=ultrafast superfast veryfast faster fast medium slow slower veryslow"`
	FFmpegCRF         int    `json:"ffmpeg_crf" validate:"gte=0,lte=51"`
	AudioCodecVideo   string `json:"audio_codec_video" validate:"required,oneof=aac libopus ac3 eac3 copy"`
	AudioCodecMusic   string `json:"audio_codec_music" validate:"required,oneof=libmp3lame aac libopus flac"`
	VideoAudioBitrate string `json:"video_audio_bitrate" validate:"required,bitrate"`
	MusicBitrate      string `json:"music_bitrate" validate:"required,bitrate"`
	TVResolution      string `json:"tv_resolution" validate:"required,resolution"`
	MovieResolution   string `json:"movie_resolution" validate:"required,resolution"`

	DryRun               bool `json:"dry_run"`
	MaxConcurrentEncodes int  `json:"max_concurrent_encodes" validate:"gte=1"`
	WatchForChanges      bool `json:"watch_for_changes"`
	ScanIntervalSeconds  int  `json:"scan_interval_seconds" validate:"gte=0"`
	MinFileAgeSeconds    int  `json:"min_file_age_seconds" validate:"gte=0"`
	ReplaceOriginal      bool `json:"replace_original"`
}

func DefaultSettings() Settings {
	return Settings{
		TVShowKeywords:       []string{"tv", "shows", "season"},
		MovieKeywords:        []string{"movies", "films"},
		MusicKeywords:        []string{"music", "audio"},
		ExcludePatterns:      []string{},
		VideoCodec:           "libx265",
		FFmpegPreset:         "medium",
		FFmpegCRF:            26,
		AudioCodecVideo:      "aac",
		AudioCodecMusic:      "libmp3lame",
		VideoAudioBitrate:    "128k",
		MusicBitrate:         "192k",
		TVResolution:         "1280x720",
		MovieResolution:      "1920x1080",
		DryRun:               true,
		MaxConcurrentEncodes: 1,
		WatchForChanges:      true,
		ScanIntervalSeconds:  3600,
		MinFileAgeSeconds:    5,
		ReplaceOriginal:      true,
	}
}

// Clone returns a copy that shares no slices with s.
func (s Settings) Clone() Settings {
	out := s
	out.TVShowKeywords = slices.Clone(s.TVShowKeywords)
	out.MovieKeywords = slices.Clone(s.MovieKeywords)
	out.MusicKeywords = slices.Clone(s.MusicKeywords)
	out.ExcludePatterns = slices.Clone(s.ExcludePatterns)
	return out
}

// ValidationError lists every rejected field keyed by its JSON name.
type ValidationError struct {
	Fields map[string]string
}

func (e *ValidationError) Error() string {
	keys := make([]string, 0, len(e.Fields))
	for k := range e.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+": "+e.Fields[k])
	}
	return "invalid settings: " + strings.Join(parts, "; ")
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

var (
	bitratePattern    = regexp.MustCompile(`^\d+[kKmM]?$`)
	resolutionPattern = regexp.MustCompile(`^(\d+)x(\d+)$`)
	validate          = newValidator()
)

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	_ = v.RegisterValidation("bitrate", func(fl validator.FieldLevel) bool {
		return bitratePattern.MatchString(fl.Field().String())
	})
	_ = v.RegisterValidation("resolution", func(fl validator.FieldLevel) bool {
		_, err := ParseResolution(fl.Field().String())
		return err == nil
	})
	_ = v.RegisterValidation("globpattern", func(fl validator.FieldLevel) bool {
		_, err := filepath.Match(fl.Field().String(), "")
		return err == nil
	})
	_ = v.RegisterValidation("existingdir", func(fl validator.FieldLevel) bool {
		info, err := os.Stat(fl.Field().String())
		return err == nil && info.IsDir()
	})
	return v
}

func describe(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "oneof":
		return "must be one of: " + fe.Param()
	case "gte":
		return "must be >= " + fe.Param()
	case "lte":
		return "must be <= " + fe.Param()
	case "bitrate":
		return "must look like 128k"
	case "resolution":
		return "must look like 1920x1080"
	case "globpattern":
		return "is not a valid pattern"
	case "existingdir":
		return "directory does not exist"
	default:
		return "failed " + fe.Tag()
	}
}

func (s Settings) Validate() error {
	err := validate.Struct(s)
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return fmt.Errorf("%w: %v", ErrValidation, err)
	}
	out := &ValidationError{Fields: make(map[string]string, len(fieldErrs))}
	for _, fe := range fieldErrs {
		out.Fields[fe.Field()] = describe(fe)
	}
	return out
}

// Resolution is a target frame size. Only the width bounds the scale filter.
type Resolution struct {
	Width  int
	Height int
}

func (r Resolution) String() string {
	return fmt.Sprintf("%dx%d", r.Width, r.Height)
}

func ParseResolution(s string) (Resolution, error) {
	m := resolutionPattern.FindStringSubmatch(strings.TrimSpace(s))
	if m == nil {
		return Resolution{}, fmt.Errorf("invalid resolution %q", s)
	}
	w, _ := strconv.Atoi(m[1])
	h, _ := strconv.Atoi(m[2])
	if w <= 0 || h <= 0 {
		return Resolution{}, fmt.Errorf("invalid resolution %q", s)
	}
	return Resolution{Width: w, Height: h}, nil
}

// TargetResolution returns the configured frame size for TV episodes or movies.
func (s Settings) TargetResolution(tv bool) Resolution {
	raw := s.MovieResolution
	if tv {
		raw = s.TVResolution
	}
	r, err := ParseResolution(raw)
	if err != nil {
		return Resolution{Width: 1920, Height: 1080}
	}
	return r
}

// Fingerprint hashes the fields that change what an encode produces. History
// rows carry it so a rescan can tell whether a file was handled under the
// current settings.
func (s Settings) Fingerprint() string {
	payload := struct {
		VideoCodec        string `json:"video_codec"`
		FFmpegPreset      string `json:"ffmpeg_preset"`
		FFmpegCRF         int    `json:"ffmpeg_crf"`
		AudioCodecVideo   string `json:"audio_codec_video"`
		AudioCodecMusic   string `json:"audio_codec_music"`
		VideoAudioBitrate string `json:"video_audio_bitrate"`
		MusicBitrate      string `json:"music_bitrate"`
		TVResolution      string `json:"tv_resolution"`
		MovieResolution   string `json:"movie_resolution"`
		DryRun            bool   `json:"dry_run"`
	}{
		VideoCodec:        s.VideoCodec,
		FFmpegPreset:      s.FFmpegPreset,
		FFmpegCRF:         s.FFmpegCRF,
		AudioCodecVideo:   s.AudioCodecVideo,
		AudioCodecMusic:   s.AudioCodecMusic,
		VideoAudioBitrate: strings.ToLower(s.VideoAudioBitrate),
		MusicBitrate:      strings.ToLower(s.MusicBitrate),
		TVResolution:      s.TVResolution,
		MovieResolution:   s.MovieResolution,
		DryRun:            s.DryRun,
	}
	data, _ := json.Marshal(payload)
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:8])
}

// LoadSettingsFile reads a settings file, filling keys it does not mention
// from DefaultSettings. A missing file wraps os.ErrNotExist; unparseable
// content wraps ErrCorruptSettings.
func LoadSettingsFile(path string) (Settings, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Settings{}, err
	}
	settings := DefaultSettings()
	if err := json.Unmarshal(data, &settings); err != nil {
		return Settings{}, fmt.Errorf("%w: %s: %v", ErrCorruptSettings, path, err)
	}
	return settings, nil
}

func WriteSettingsFile(path string, settings Settings) error {
	if err := settings.Validate(); err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}

	content, err := json.MarshalIndent(settings, "", "  ")
	if err != nil {
		return err
	}
	content = append(content, '\n')

	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, content, 0o600); err != nil {
		return err
	}
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return err
	}
	return nil
}
