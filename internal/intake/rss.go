// Package intake pulls raw reports from configured feed sources and
// hands them to the pipeline. It does no analysis of its own; an item
// here is just text plus source metadata.
package intake

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/mmcdole/gofeed"

	"github.com/abelbrown/eventline/internal/config"
	"github.com/abelbrown/eventline/internal/pipeline"
)

// Fetcher retrieves raw items from feed sources.
type Fetcher struct {
	client *http.Client
}

func NewFetcher(timeout time.Duration) *Fetcher {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Fetcher{client: &http.Client{Timeout: timeout}}
}

// Fetch retrieves the raw items of one feed. It does not persist
// anything; the caller decides what to process.
func (f *Fetcher) Fetch(ctx context.Context, src config.FeedConfig) ([]pipeline.RawItem, error) {
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, src.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("User-Agent", "eventline/1.0")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch feed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("HTTP error: %d %s", resp.StatusCode, resp.Status)
	}

	feed, err := gofeed.NewParser().Parse(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to parse feed: %w", err)
	}

	now := time.Now().UTC()
	items := make([]pipeline.RawItem, 0, len(feed.Items))
	for _, fi := range feed.Items {
		raw := convertFeedItem(fi, src, now)
		if strings.TrimSpace(raw.Text) == "" {
			continue
		}
		items = append(items, raw)
	}
	return items, nil
}

// convertFeedItem flattens one feed entry into report text. Title and
// body are joined because short-form sources often put the substance in
// whichever field the client renders.
func convertFeedItem(fi *gofeed.Item, src config.FeedConfig, fetchTime time.Time) pipeline.RawItem {
	var parts []string
	if t := strings.TrimSpace(fi.Title); t != "" {
		parts = append(parts, t)
	}
	body := strings.TrimSpace(fi.Description)
	if body == "" {
		body = truncate(strings.TrimSpace(fi.Content), 2000)
	}
	if body != "" && (len(parts) == 0 || body != parts[len(parts)-1]) {
		parts = append(parts, body)
	}

	source := fi.Link
	if source == "" {
		source = src.URL
	}

	fetched := fetchTime
	if fi.PublishedParsed != nil {
		fetched = fi.PublishedParsed.UTC()
	} else if fi.UpdatedParsed != nil {
		fetched = fi.UpdatedParsed.UTC()
	}

	return pipeline.RawItem{
		Text:      strings.Join(parts, "\n\n"),
		Source:    source,
		FetchedAt: fetched,
	}
}

// truncate shortens a string to maxLen runes, rune-aware so UTF-8 text
// is never split mid-character.
func truncate(s string, maxLen int) string {
	runes := []rune(s)
	if len(runes) <= maxLen {
		return s
	}
	if maxLen <= 3 {
		return string(runes[:maxLen])
	}
	return string(runes[:maxLen-3]) + "..."
}
