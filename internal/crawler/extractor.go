package crawler

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"guata-knowledge-pipeline/models"
)

var (
	// ErrNotHTML marks a fetched body that is not an HTML document.
	ErrNotHTML = errors.New("not an HTML document")

	// ErrContentTooShort marks a page with too little text to index.
	ErrContentTooShort = errors.New("content below minimum length")

	whitespaceRe = regexp.MustCompile(`\s+`)
)

// Extractor turns fetched HTML into clean text pages with a content
// hash and the page's outlinks.
type Extractor struct {
	minContentLength int
}

func NewExtractor(minContentLength int) *Extractor {
	return &Extractor{minContentLength: minContentLength}
}

// Extract strips boilerplate, normalizes whitespace while preserving
// paragraph boundaries, and hashes the result. Pages below the minimum
// content length return ErrContentTooShort.
func (e *Extractor) Extract(target models.CrawlTarget, fetched *models.FetchResult) (*models.ExtractedPage, error) {
	if !isHTML(fetched.ContentType) {
		return nil, fmt.Errorf("%w: %s", ErrNotHTML, fetched.ContentType)
	}

	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(fetched.Body))
	if err != nil {
		return nil, fmt.Errorf("parsing HTML for %s: %w", fetched.URL, err)
	}

	title := extractTitle(doc)
	content := extractMainContent(doc)
	if len(content) < e.minContentLength {
		return nil, fmt.Errorf("%w: %d chars", ErrContentTooShort, len(content))
	}

	sum := sha256.Sum256([]byte(content))

	return &models.ExtractedPage{
		Tenant:      target.Tenant,
		URL:         fetched.URL,
		Title:       title,
		Content:     content,
		ContentHash: hex.EncodeToString(sum[:]),
		FetchedAt:   fetched.FetchedAt,
		Depth:       target.Depth,
		Tier:        target.Tier,
		Outlinks:    extractOutlinks(doc, fetched.URL),
	}, nil
}

func isHTML(contentType string) bool {
	if contentType == "" {
		return true
	}
	return strings.Contains(contentType, "text/html") || strings.Contains(contentType, "application/xhtml+xml")
}

func extractTitle(doc *goquery.Document) string {
	title := strings.TrimSpace(doc.Find("title").First().Text())
	if title == "" {
		title = strings.TrimSpace(doc.Find("h1").First().Text())
	}
	return whitespaceRe.ReplaceAllString(title, " ")
}

// extractMainContent extracts the main content of a parsed document,
// keeping one blank line between blocks so downstream chunking can
// respect paragraph boundaries.
func extractMainContent(doc *goquery.Document) string {
	root := doc.Selection.Clone()

	// Remove unwanted elements
	root.Find("script, style, nav, footer, header, aside, .nav, .navbar, .footer, .header, .sidebar, .advertisement, .ads, .skip-link").Remove()

	// Try semantic HTML5 elements first
	contentSelectors := []string{
		"main",
		"article",
		"[role='main']",
		".main-content",
		".content",
		"#content",
		".post",
		".entry",
		"body",
	}

	var container *goquery.Selection
	for _, selector := range contentSelectors {
		sel := root.Find(selector).First()
		if sel.Length() > 0 && len(strings.TrimSpace(sel.Text())) > 100 {
			container = sel
			break
		}
	}
	if container == nil {
		container = root.Find("body")
	}

	var blocks []string
	container.Find("p, h1, h2, h3, h4, h5, h6, li, blockquote, td").Each(func(_ int, s *goquery.Selection) {
		// Skip elements that only wrap other blocks
		if s.Find("p, li").Length() > 0 {
			return
		}
		text := strings.TrimSpace(whitespaceRe.ReplaceAllString(s.Text(), " "))
		if text != "" {
			blocks = append(blocks, text)
		}
	})

	if len(blocks) == 0 {
		// No block structure at all; fall back to line-cleaned body text
		for _, line := range strings.Split(container.Text(), "\n") {
			line = strings.TrimSpace(line)
			if line != "" {
				blocks = append(blocks, line)
			}
		}
	}

	return strings.Join(blocks, "\n\n")
}

// extractOutlinks collects absolute HTTP(S) links, skipping anchors,
// javascript/mailto/tel links and common non-content URLs.
func extractOutlinks(doc *goquery.Document, pageURL string) []string {
	base, err := url.Parse(pageURL)
	if err != nil {
		return nil
	}

	seen := make(map[string]struct{})
	var links []string

	doc.Find("a[href]").Each(func(_ int, s *goquery.Selection) {
		href, exists := s.Attr("href")
		if !exists || href == "" {
			return
		}

		hrefLower := strings.ToLower(href)
		if strings.HasPrefix(href, "#") ||
			strings.HasPrefix(hrefLower, "javascript:") ||
			strings.HasPrefix(hrefLower, "mailto:") ||
			strings.HasPrefix(hrefLower, "tel:") {
			return
		}

		ref, err := url.Parse(href)
		if err != nil {
			return
		}
		abs := base.ResolveReference(ref)
		if abs.Scheme != "http" && abs.Scheme != "https" {
			return
		}
		if !isContentURL(abs) {
			return
		}

		link := abs.String()
		if _, dup := seen[link]; dup {
			return
		}
		seen[link] = struct{}{}
		links = append(links, link)
	})

	return links
}

// isContentURL filters out common non-content URLs
func isContentURL(u *url.URL) bool {
	excludedPatterns := []string{
		"/wp-json/",
		"/api/",
		"/ajax/",
		".pdf",
		".jpg",
		".jpeg",
		".png",
		".gif",
		".svg",
		".css",
		".js",
		".xml",
		".zip",
		"/feed/",
		"/rss/",
		"/atom/",
		"/search?",
		"/?s=",
		"/wp-admin/",
		"/wp-includes/",
	}

	pathLower := strings.ToLower(u.Path)
	queryLower := strings.ToLower(u.RawQuery)

	for _, pattern := range excludedPatterns {
		if strings.Contains(pathLower, pattern) || strings.Contains(queryLower, pattern) {
			return false
		}
	}
	return true
}
