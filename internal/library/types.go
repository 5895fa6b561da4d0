package library

import (
	"time"

	"github.com/MimeLyc/sizetrimmer/internal/config"
)

type MediaType string

const (
	MediaMovie       MediaType = "movie"
	MediaTV          MediaType = "tv"
	MediaMusic       MediaType = "music"
	MediaUnsupported MediaType = "unsupported"
)

func (m MediaType) IsVideo() bool {
	return m == MediaMovie || m == MediaTV
}

// Keywords are directory names that steer classification. Matching is by
// whole path segment, case-insensitive.
type Keywords struct {
	TV    []string
	Movie []string
	Music []string
}

func KeywordsFrom(s config.Settings) Keywords {
	return Keywords{
		TV:    s.TVShowKeywords,
		Movie: s.MovieKeywords,
		Music: s.MusicKeywords,
	}
}

// Candidate is a file the scanner wants converted.
type Candidate struct {
	Path      string    `json:"path"`
	MediaType MediaType `json:"media_type"`
	Size      int64     `json:"size"`
	ModTime   time.Time `json:"mod_time"`
}
