// Package citations turns raw search results into a deduplicated source list
// and renders it under a final answer.
package citations

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/Kocoro-lab/Shannon/go/research/internal/util"
)

// Collection limits
const (
	DefaultMaxPerDomain = 3
	DefaultLimit        = 20
	MaxSnippetLength    = 300
)

// Citation is one source behind an accepted sub-answer.
type Citation struct {
	URL     string `json:"url"`
	Title   string `json:"title,omitempty"`
	Source  string `json:"source"` // domain name
	TaskID  string `json:"taskId"`
	Snippet string `json:"snippet,omitempty"`
}

// Group is the raw results that backed one task's answer.
type Group struct {
	TaskID  string
	Results []map[string]interface{}
}

// NormalizeURL normalizes a URL for deduplication:
// - Converts scheme and host to lowercase
// - Removes a leading www.
// - Removes tracking query parameters and fragments
// - Removes trailing slashes
func NormalizeURL(rawURL string) (string, error) {
	parsed, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return "", err
	}
	parsed.Scheme = strings.ToLower(parsed.Scheme)
	parsed.Host = strings.ToLower(parsed.Host)
	parsed.Host = strings.TrimPrefix(parsed.Host, "www.")
	parsed.Fragment = ""

	if parsed.RawQuery != "" {
		q := parsed.Query()
		for _, param := range []string{
			"utm_source", "utm_medium", "utm_campaign", "utm_term", "utm_content",
			"fbclid", "gclid", "msclkid", "ref",
		} {
			q.Del(param)
		}
		parsed.RawQuery = q.Encode()
	}
	parsed.Path = strings.TrimSuffix(parsed.Path, "/")
	return parsed.String(), nil
}

// ExtractDomain returns the lowercase host without port or leading "www.".
func ExtractDomain(rawURL string) (string, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return "", err
	}
	host := strings.ToLower(parsed.Hostname())
	return strings.TrimPrefix(host, "www."), nil
}

// FromResult extracts a citation from one search result. Results need an
// http(s) url under "url" or "link".
func FromResult(taskID string, result map[string]interface{}) (Citation, error) {
	raw, _ := result["url"].(string)
	if raw == "" {
		raw, _ = result["link"].(string)
	}
	if raw == "" {
		return Citation{}, fmt.Errorf("missing or invalid url")
	}
	normalized, err := NormalizeURL(raw)
	if err != nil {
		return Citation{}, fmt.Errorf("failed to normalize URL: %w", err)
	}
	if !strings.HasPrefix(normalized, "http://") && !strings.HasPrefix(normalized, "https://") {
		return Citation{}, fmt.Errorf("unsupported url scheme: %s", raw)
	}
	if shouldSkipURL(normalized) {
		return Citation{}, fmt.Errorf("low-value url: %s", raw)
	}
	domain, err := ExtractDomain(normalized)
	if err != nil || domain == "" {
		return Citation{}, fmt.Errorf("failed to extract domain from %s", raw)
	}

	title, _ := result["title"].(string)
	snippet, _ := result["snippet"].(string)
	if snippet == "" {
		snippet, _ = result["text"].(string)
	}
	return Citation{
		URL:     normalized,
		Title:   strings.TrimSpace(title),
		Source:  domain,
		TaskID:  taskID,
		Snippet: util.Truncate(strings.TrimSpace(snippet), MaxSnippetLength),
	}, nil
}

// Collect extracts citations from groups in order, drops duplicates by
// normalized URL (the first occurrence wins, later ones only fill missing
// metadata), keeps at most maxPerDomain per domain and at most limit overall.
// Values < 1 use the defaults.
func Collect(groups []Group, maxPerDomain, limit int) []Citation {
	if maxPerDomain < 1 {
		maxPerDomain = DefaultMaxPerDomain
	}
	if limit < 1 {
		limit = DefaultLimit
	}

	index := make(map[string]int)
	var deduped []Citation
	for _, g := range groups {
		for _, r := range g.Results {
			c, err := FromResult(g.TaskID, r)
			if err != nil {
				continue
			}
			if i, ok := index[c.URL]; ok {
				if deduped[i].Title == "" {
					deduped[i].Title = c.Title
				}
				if deduped[i].Snippet == "" {
					deduped[i].Snippet = c.Snippet
				}
				continue
			}
			index[c.URL] = len(deduped)
			deduped = append(deduped, c)
		}
	}

	perDomain := make(map[string]int)
	out := make([]Citation, 0, len(deduped))
	for _, c := range deduped {
		if perDomain[c.Source] >= maxPerDomain {
			continue
		}
		perDomain[c.Source]++
		out = append(out, c)
		if len(out) == limit {
			break
		}
	}
	return out
}

func shouldSkipURL(urlStr string) bool {
	lower := strings.ToLower(urlStr)
	for _, suffix := range []string{".xml", "robots.txt", ".css", ".js", ".ico", ".png", ".jpg", ".jpeg", ".gif", ".svg"} {
		if strings.HasSuffix(lower, suffix) {
			return true
		}
	}
	for _, pattern := range []string{"/login", "/signin", "/signup", "/search?", "/privacy", "/terms", "/404"} {
		if strings.Contains(lower, pattern) {
			return true
		}
	}
	return false
}
