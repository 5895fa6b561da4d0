package library

import (
	"path/filepath"
	"regexp"
	"slices"
	"strings"
)

var videoExts = []string{
	".mp4", ".mkv", ".avi", ".mov", ".wmv", ".flv", ".webm", ".m4v",
	".ts", ".m2ts", ".mpg", ".mpeg",
}

var audioExts = []string{
	".mp3", ".flac", ".wav", ".m4a", ".ogg", ".aac", ".opus", ".wma",
}

var sonarrPattern = regexp.MustCompile(`(?i)S\d+E(\d+)`)

// Classify maps a path to a media type. Audio containers are music. For
// video containers the deepest directory matching a TV or movie keyword
// decides; without one an SxxEyy marker in the name means tv and anything
// else is a movie. Other extensions are unsupported.
func Classify(path string, kw Keywords) MediaType {
	ext := strings.ToLower(filepath.Ext(path))
	switch {
	case slices.Contains(audioExts, ext):
		return MediaMusic
	case !slices.Contains(videoExts, ext):
		return MediaUnsupported
	}

	segments := dirSegments(path)
	for i := len(segments) - 1; i >= 0; i-- {
		switch {
		case matchesAny(segments[i], kw.TV):
			return MediaTV
		case matchesAny(segments[i], kw.Movie):
			return MediaMovie
		}
	}
	if sonarrPattern.MatchString(filepath.Base(path)) {
		return MediaTV
	}
	return MediaMovie
}

func dirSegments(path string) []string {
	dir := filepath.ToSlash(filepath.Dir(path))
	parts := strings.Split(dir, "/")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p == "" || p == "." {
			continue
		}
		out = append(out, strings.ToLower(p))
	}
	return out
}

func matchesAny(segment string, keywords []string) bool {
	for _, kw := range keywords {
		if strings.EqualFold(segment, strings.TrimSpace(kw)) {
			return true
		}
	}
	return false
}
