package catalog

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gocolly/colly"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
	"github.com/texttheater/golang-levenshtein/levenshtein"
)

const userAgent = "Mozilla/5.0 (X11; Linux x86_64; rv:109.0) Gecko/20100101 Firefox/115.0"

// YTS scrapes the YTS browse and movie pages into Candidates.
type YTS struct {
	baseURL string
	logger  zerolog.Logger
	breaker *gobreaker.CircuitBreaker
	delay   time.Duration
}

func NewYTS(baseURL string, rateLimit int, log zerolog.Logger) *YTS {
	delay := time.Second
	if rateLimit > 0 {
		delay = time.Second / time.Duration(rateLimit)
	}
	return &YTS{
		baseURL: strings.TrimRight(baseURL, "/"),
		logger:  log.With().Str("component", "catalog").Logger(),
		delay:   delay,
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    "yts",
			Timeout: 60 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
		}),
	}
}

func (y *YTS) collector() *colly.Collector {
	c := colly.NewCollector(colly.UserAgent(userAgent))
	c.SetRequestTimeout(15 * time.Second)
	c.Limit(&colly.LimitRule{DomainGlob: "*", Delay: y.delay})
	return c
}

// Browse scrapes the browse page for titles matching criteria, then each
// movie page for its available torrents. Titles that fail to scrape are
// skipped, never fatal.
func (y *YTS) Browse(ctx context.Context, criteria Criteria) ([]Candidate, error) {
	result, err := y.breaker.Execute(func() (any, error) {
		return y.browse(ctx, criteria)
	})
	if err != nil {
		return nil, fmt.Errorf("catalog browse: %w", err)
	}
	return result.([]Candidate), nil
}

func (y *YTS) browse(ctx context.Context, criteria Criteria) ([]Candidate, error) {
	var candidates []Candidate
	var scrapeErr error

	c := y.collector()
	c.OnHTML("div.browse-movie-wrap", func(e *colly.HTMLElement) {
		if ctx.Err() != nil {
			return
		}
		year, _ := strconv.Atoi(e.ChildText("div.browse-movie-year"))
		cand := Candidate{
			Title:  e.ChildText("div.browse-movie-bottom a.browse-movie-title"),
			Year:   year,
			Rating: e.ChildText("h4.rating"),
			Genre:  e.ChildText("figcaption h4:not(.rating)"),
			Link:   e.Request.AbsoluteURL(e.ChildAttr("a.browse-movie-link", "href")),
			Image:  e.Request.AbsoluteURL(e.ChildAttr("img.img-responsive", "src")),
		}
		if cand.Title == "" || cand.Link == "" {
			return
		}
		torrents, err := y.fetchTorrents(ctx, cand.Link)
		if err != nil {
			y.logger.Warn().Err(err).Str("title", cand.Title).Msg("Skipping candidate, torrent scrape failed")
			return
		}
		cand.Torrents = torrents
		candidates = append(candidates, cand)
	})
	c.OnError(func(_ *colly.Response, err error) {
		scrapeErr = err
	})

	if err := c.Visit(y.browseURL(criteria)); err != nil {
		return nil, err
	}
	c.Wait()
	if scrapeErr != nil {
		return nil, scrapeErr
	}
	return candidates, nil
}

func (y *YTS) browseURL(criteria Criteria) string {
	q := url.Values{}
	if criteria.Keyword != "" {
		q.Set("keyword", criteria.Keyword)
	}
	set := func(key, val, def string) {
		if val == "" {
			val = def
		}
		q.Set(key, val)
	}
	set("quality", criteria.Quality, "all")
	set("genre", criteria.Genre, "all")
	set("order_by", criteria.OrderBy, "featured")
	q.Set("rating", strconv.Itoa(criteria.Rating))
	if criteria.Year > 0 {
		q.Set("year", strconv.Itoa(criteria.Year))
	}
	if criteria.Page > 1 {
		q.Set("page", strconv.Itoa(criteria.Page))
	}
	return y.baseURL + "/browse-movies?" + q.Encode()
}

// fetchTorrents scrapes a movie page for its release modal entries.
func (y *YTS) fetchTorrents(ctx context.Context, movieURL string) ([]Torrent, error) {
	var torrents []Torrent
	var scrapeErr error

	c := y.collector()
	c.OnHTML("div.modal-torrent", func(e *colly.HTMLElement) {
		var sizes []string
		e.ForEach("p.quality-size", func(_ int, el *colly.HTMLElement) {
			sizes = append(sizes, el.Text)
		})
		torrents = append(torrents, Torrent{
			ID:      uuid.New().String(),
			Quality: strings.TrimSpace(e.ChildText("div.modal-quality")),
			Sizes:   sizes,
			URL:     e.Request.AbsoluteURL(e.ChildAttr("a.download-torrent", "href")),
			Magnet:  e.ChildAttr("a.magnet-download", "href"),
		})
	})
	c.OnError(func(_ *colly.Response, err error) {
		scrapeErr = err
	})

	if err := c.Visit(movieURL); err != nil {
		return nil, err
	}
	c.Wait()
	if scrapeErr != nil {
		return nil, scrapeErr
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	return torrents, nil
}

// Resolve maps a reference to a single candidate. A URL reference is
// scraped directly; anything else is treated as a title search and the
// closest match by edit distance wins.
func (y *YTS) Resolve(ctx context.Context, reference string) (*Candidate, error) {
	if strings.HasPrefix(reference, "http://") || strings.HasPrefix(reference, "https://") {
		return y.resolveURL(ctx, reference)
	}

	candidates, err := y.Browse(ctx, Criteria{Keyword: reference})
	if err != nil {
		return nil, err
	}
	if len(candidates) == 0 {
		return nil, ErrMovieNotFound
	}

	best, bestDist := 0, -1
	for i, cand := range candidates {
		d := levenshtein.DistanceForStrings(
			[]rune(strings.ToLower(reference)),
			[]rune(strings.ToLower(cand.Title)),
			levenshtein.DefaultOptions,
		)
		if bestDist < 0 || d < bestDist {
			best, bestDist = i, d
		}
	}
	return &candidates[best], nil
}

func (y *YTS) resolveURL(ctx context.Context, pageURL string) (*Candidate, error) {
	result, err := y.breaker.Execute(func() (any, error) {
		var cand Candidate
		cand.Link = pageURL

		c := y.collector()
		c.OnHTML("div#movie-info", func(e *colly.HTMLElement) {
			cand.Title = e.ChildText("h1")
			var fields []string
			e.ForEach("h2", func(_ int, el *colly.HTMLElement) {
				fields = append(fields, strings.TrimSpace(el.Text))
			})
			if len(fields) > 0 {
				if parts := strings.Fields(fields[0]); len(parts) > 0 {
					cand.Year, _ = strconv.Atoi(parts[0])
				}
			}
			if len(fields) > 1 {
				cand.Genre = fields[1]
			}
			cand.Rating = e.ChildText("span[itemprop=ratingValue]")
		})
		c.OnHTML("div#synopsis p", func(e *colly.HTMLElement) {
			if cand.Description == "" {
				cand.Description = e.Text
			}
		})
		if err := c.Visit(pageURL); err != nil {
			return nil, err
		}
		c.Wait()

		if cand.Title == "" {
			return nil, ErrMovieNotFound
		}
		torrents, err := y.fetchTorrents(ctx, pageURL)
		if err != nil {
			return nil, err
		}
		cand.Torrents = torrents
		return &cand, nil
	})
	if err != nil {
		return nil, err
	}
	return result.(*Candidate), nil
}
