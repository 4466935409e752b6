package catalog

import (
	"context"
	"errors"
	"sort"
	"strconv"
	"strings"
)

var ErrMovieNotFound = errors.New("movie not found in catalog")

// Criteria is the selection filter a schedule (or a user) browses with.
type Criteria struct {
	Keyword string `json:"keyword,omitempty"`
	Quality string `json:"quality,omitempty"`
	Genre   string `json:"genre,omitempty"`
	Rating  int    `json:"rating,omitempty"`
	Year    int    `json:"year,omitempty"`
	OrderBy string `json:"order_by,omitempty"`
	Page    int    `json:"page,omitempty"`
}

// Torrent is one downloadable release of a candidate title.
type Torrent struct {
	ID      string   `json:"id"`
	Quality string   `json:"quality"`
	Sizes   []string `json:"sizes"`
	URL     string   `json:"url"`
	Magnet  string   `json:"magnet"`
}

// Candidate is a title the catalog can resolve to torrents.
type Candidate struct {
	Title       string    `json:"title"`
	Year        int       `json:"year"`
	Rating      string    `json:"rating"`
	Link        string    `json:"link"`
	Genre       string    `json:"genre"`
	Image       string    `json:"img,omitempty"`
	Description string    `json:"description,omitempty"`
	Torrents    []Torrent `json:"torrents"`
}

// Provider discovers candidates. Browse lists titles matching criteria;
// Resolve turns a single reference (page URL or title) into a candidate,
// returning ErrMovieNotFound when nothing matches.
type Provider interface {
	Browse(ctx context.Context, criteria Criteria) ([]Candidate, error)
	Resolve(ctx context.Context, reference string) (*Candidate, error)
}

// ParseRating parses a rating of the form "8.7" or "8.7 / 10": a decimal
// prefix, optionally followed by a slash and a scale. Anything else yields
// 0 so malformed ratings rank last instead of ordering arbitrarily.
func ParseRating(s string) float64 {
	head := strings.TrimSpace(s)
	if i := strings.IndexByte(head, '/'); i >= 0 {
		head = strings.TrimSpace(head[:i])
	}
	v, err := strconv.ParseFloat(head, 64)
	if err != nil || v < 0 {
		return 0
	}
	return v
}

// RankByRating orders candidates by parsed rating, highest first. The sort
// is stable so equally rated (or unparseable) candidates keep their
// catalog order.
func RankByRating(candidates []Candidate) {
	sort.SliceStable(candidates, func(i, j int) bool {
		return ParseRating(candidates[i].Rating) > ParseRating(candidates[j].Rating)
	})
}

// MatchQuality returns the first torrent of the candidate with the
// requested quality label.
func MatchQuality(c Candidate, quality string) (*Torrent, bool) {
	for i := range c.Torrents {
		if strings.EqualFold(c.Torrents[i].Quality, quality) {
			return &c.Torrents[i], true
		}
	}
	return nil, false
}
