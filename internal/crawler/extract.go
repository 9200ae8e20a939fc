package crawler

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html"

	"github.com/sykell/url-monitor/internal/db"
)

// Extraction strategies recorded on a Page
const (
	ExtractStatic  = "static"
	ExtractDynamic = "dynamic"
)

// Image is an absolute image reference found on a page
type Image struct {
	Src string `json:"src"`
	Alt string `json:"alt"`
}

// Page is the content extracted from a fetched document
type Page struct {
	URL          string   `json:"url"`
	Title        string   `json:"title"`
	Text         []string `json:"text"`
	Images       []Image  `json:"images"`
	HasLoginForm bool     `json:"has_login_form"`
	Extraction   string   `json:"extraction"`
	Hash         string   `json:"hash"`
}

// ParseDocument extracts a Page from an HTML document using mode.
// autoMinTextLines is the static line count below which auto mode falls back
// to the dynamic strategy.
func ParseDocument(r io.Reader, baseAddress string, mode db.JobMode, autoMinTextLines int) (*Page, error) {
	baseURL, err := url.Parse(baseAddress)
	if err != nil {
		return nil, fmt.Errorf("failed to parse base URL: %w", err)
	}

	doc, err := goquery.NewDocumentFromReader(r)
	if err != nil {
		return nil, fmt.Errorf("failed to parse HTML: %w", err)
	}
	doc.Find("script, style, noscript, template").Remove()

	page := &Page{
		URL:          baseAddress,
		Title:        strings.TrimSpace(doc.Find("title").First().Text()),
		Images:       extractImages(doc, baseURL),
		HasLoginForm: detectLoginForm(doc),
	}

	switch mode {
	case db.ModeDynamic:
		page.Text = extractAllText(doc)
		page.Extraction = ExtractDynamic
	case db.ModeStatic:
		page.Text = extractBlockText(doc)
		page.Extraction = ExtractStatic
	default:
		page.Text = extractBlockText(doc)
		page.Extraction = ExtractStatic
		if len(page.Text) < autoMinTextLines && len(page.Images) == 0 {
			page.Text = extractAllText(doc)
			page.Extraction = ExtractDynamic
		}
	}

	page.Hash = ContentHash(page.Text, page.Images)
	return page, nil
}

// extractBlockText collects the text of paragraphs, headings and list items
func extractBlockText(doc *goquery.Document) []string {
	lines := make([]string, 0)
	doc.Find("p, h1, h2, h3, li").Each(func(i int, sel *goquery.Selection) {
		if text := collapseSpace(sel.Text()); text != "" {
			lines = append(lines, text)
		}
	})
	return lines
}

// extractAllText collects every non-blank text node under <body>
func extractAllText(doc *goquery.Document) []string {
	lines := make([]string, 0)
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.TextNode {
			if text := collapseSpace(n.Data); text != "" {
				lines = append(lines, text)
			}
			return
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	for _, n := range doc.Find("body").Nodes {
		walk(n)
	}
	return lines
}

// extractImages resolves image sources against the page URL, keeping http(s)
// sources once each in document order.
func extractImages(doc *goquery.Document, baseURL *url.URL) []Image {
	images := make([]Image, 0)
	seen := make(map[string]bool)

	doc.Find("img[src]").Each(func(i int, sel *goquery.Selection) {
		src, _ := sel.Attr("src")
		src = strings.TrimSpace(src)
		if src == "" {
			return
		}
		ref, err := url.Parse(src)
		if err != nil {
			return
		}
		resolved := baseURL.ResolveReference(ref)
		if resolved.Scheme != "http" && resolved.Scheme != "https" {
			return
		}
		absolute := resolved.String()
		if seen[absolute] {
			return
		}
		seen[absolute] = true

		alt, _ := sel.Attr("alt")
		images = append(images, Image{Src: absolute, Alt: collapseSpace(alt)})
	})
	return images
}

// detectLoginForm detects if there's a login form
func detectLoginForm(doc *goquery.Document) bool {
	return doc.Find("input[type='password']").Length() > 0
}

// ContentHash fingerprints the extracted text and image sources
func ContentHash(lines []string, images []Image) string {
	h := sha256.New()
	for _, line := range lines {
		h.Write([]byte(line))
		h.Write([]byte{'\n'})
	}
	for _, img := range images {
		h.Write([]byte(img.Src))
		h.Write([]byte{'\n'})
	}
	return hex.EncodeToString(h.Sum(nil))
}

func collapseSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
