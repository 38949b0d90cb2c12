package sources

import (
	"context"
	"fmt"
	"html"
	"log/slog"
	"net/http"
	"sort"
	"strings"

	"github.com/mmcdole/gofeed"

	"github.com/narrensicher/rshome/pkg/rshome/faults"
)

// Known headline sources.
const (
	SourceHeise     = "heise"
	SourcePostillon = "postillon"
)

// DefaultHeadlineCount is used when a caller asks for zero or fewer items.
const DefaultHeadlineCount = 5

// FeedSource describes one headline feed.
type FeedSource struct {
	URL string
	// UseSummary selects the item summary instead of the title.
	UseSummary bool
	// Blacklist drops items containing any of these words (case-insensitive).
	Blacklist []string
}

// DefaultFeedSources returns the built-in feeds.
func DefaultFeedSources() map[string]FeedSource {
	return map[string]FeedSource{
		SourceHeise: {
			URL:        "https://www.heise.de/rss/heise-atom.xml",
			UseSummary: true,
		},
		SourcePostillon: {
			URL:       "https://follow.it/der-postillon-abo/rss",
			Blacklist: []string{"Newsticker", "des Tages", "der Woche", "Sonntagsfrage"},
		},
	}
}

// Feeds fetches headlines from Atom and RSS feeds.
type Feeds struct {
	sources map[string]FeedSource
	parser  *gofeed.Parser
	logger  *slog.Logger
}

// NewFeeds creates a feed adapter. A nil sources map uses DefaultFeedSources.
func NewFeeds(sources map[string]FeedSource, logger *slog.Logger) *Feeds {
	if logger == nil {
		logger = slog.Default()
	}
	if sources == nil {
		sources = DefaultFeedSources()
	}
	parser := gofeed.NewParser()
	parser.Client = &http.Client{Timeout: defaultHTTPTimeout}
	parser.UserAgent = "rshome/1.0"
	return &Feeds{
		sources: sources,
		parser:  parser,
		logger:  logger.With("component", "feeds"),
	}
}

// Sources lists the configured source names, sorted.
func (f *Feeds) Sources() []string {
	names := make([]string, 0, len(f.sources))
	for name := range f.sources {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Headlines returns up to count headlines of source, one per line.
func (f *Feeds) Headlines(ctx context.Context, source string, count int) (string, error) {
	src, ok := f.sources[strings.ToLower(source)]
	if !ok {
		return "", faults.Invalid("unknown headline source %q (known: %s)", source, strings.Join(f.Sources(), ", "))
	}
	if count <= 0 {
		count = DefaultHeadlineCount
	}
	f.logger.Info("fetching headlines", "source", source, "count", count)

	feed, err := f.parser.ParseURLWithContext(src.URL, ctx)
	if err != nil {
		return "", fmt.Errorf("fetching %s feed: %w", source, err)
	}

	var lines []string
	for _, item := range feed.Items {
		if len(lines) == count {
			break
		}
		text := item.Title
		if src.UseSummary {
			text = item.Description
		}
		text = strings.TrimSpace(html.UnescapeString(text))
		if text == "" || blacklisted(text, src.Blacklist) {
			continue
		}
		lines = append(lines, text)
	}
	return strings.Join(lines, "\n"), nil
}

func blacklisted(text string, words []string) bool {
	lower := strings.ToLower(text)
	for _, w := range words {
		if strings.Contains(lower, strings.ToLower(w)) {
			return true
		}
	}
	return false
}
