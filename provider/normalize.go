package provider

import (
	"net/url"
	"strings"
)

// normalize flattens raw provider items into a deduplicated result
// list. Container items (non-empty Items) are flattened one level.
// Items with no resolvable page URL are dropped. Order is first-seen;
// duplicates by page URL are discarded.
func normalize(items []item) []SearchResult {
	flat := make([]item, 0, len(items))
	for _, it := range items {
		if len(it.Items) > 0 {
			flat = append(flat, it.Items...)
			continue
		}
		flat = append(flat, it)
	}

	seen := make(map[string]bool, len(flat))
	out := make([]SearchResult, 0, len(flat))
	for _, it := range flat {
		pageURL := firstNonEmpty(it.URL, it.PageURL, it.SourceURL, it.Link)
		if pageURL == "" {
			continue
		}
		if seen[pageURL] {
			continue
		}
		seen[pageURL] = true

		title := firstNonEmpty(it.Title, it.Description, it.Text, it.Alt)
		if title == "" {
			title = hostnameOf(pageURL)
		}
		if title == "" {
			title = "Source"
		}

		domain := it.Domain
		if domain == "" {
			domain = hostnameOf(pageURL)
		}

		out = append(out, SearchResult{
			Title:    title,
			PageURL:  pageURL,
			ImageURL: firstNonEmpty(it.ImageURL, it.Source),
			Domain:   domain,
		})
	}
	return out
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

func hostnameOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return u.Hostname()
}
