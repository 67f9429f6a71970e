package builtin

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/therenovatio/teleton-agent-sub000/internal/tools"
)

const (
	defaultFetchBytes = 200000
	defaultFetchChars = 5000
)

var webFetchTool = tools.Tool{
	Name:        "web_fetch",
	Description: "Fetch a web page and return its readable text",
	Category:    "web",
	Scope:       tools.ScopeAlways,
	Parameters: map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"url": map[string]interface{}{
				"type":        "string",
				"description": "http or https URL",
				"minLength":   1,
			},
			"max_length": map[string]interface{}{
				"type":        "integer",
				"description": "Maximum characters to return (default: 5000)",
				"minimum":     100,
			},
		},
		"required": []string{"url"},
	},
}

func webFetch(client *http.Client, maxBytes int) tools.Executor {
	if maxBytes <= 0 {
		maxBytes = defaultFetchBytes
	}

	return func(ctx context.Context, args map[string]interface{}, ec *tools.ExecContext) (*tools.Result, error) {
		rawURL := stringArg(args, "url")
		u, err := url.Parse(rawURL)
		if err != nil || u.Host == "" {
			return tools.Fail("invalid URL"), nil
		}
		if u.Scheme != "http" && u.Scheme != "https" {
			return tools.Fail("only HTTP/HTTPS URLs are supported"), nil
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to create request: %w", err)
		}
		req.Header.Set("User-Agent", "teleton-agent/1.0")

		resp, err := client.Do(req)
		if err != nil {
			return nil, fmt.Errorf("failed to fetch URL: %w", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			return tools.Fail(fmt.Sprintf("HTTP %d", resp.StatusCode)), nil
		}

		body, err := io.ReadAll(io.LimitReader(resp.Body, int64(maxBytes)))
		if err != nil {
			return nil, fmt.Errorf("failed to read response: %w", err)
		}

		title := ""
		text := string(body)
		if strings.Contains(resp.Header.Get("Content-Type"), "text/html") {
			title, text = extractHTML(body)
		}
		text = strings.Join(strings.Fields(text), " ")

		maxLen := intArg(args, "max_length", defaultFetchChars)
		truncated := false
		if len(text) > maxLen {
			text = text[:maxLen] + " ... [content truncated]"
			truncated = true
		}

		return tools.OK(map[string]interface{}{
			"url":       rawURL,
			"title":     title,
			"content":   text,
			"truncated": truncated,
		}), nil
	}
}

// extractHTML returns the page title and the text of its main content,
// dropping scripts, styles and page chrome.
func extractHTML(body []byte) (string, string) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return "", string(body)
	}

	title := strings.TrimSpace(doc.Find("title").First().Text())
	doc.Find("script, style, noscript, nav, header, footer, aside").Remove()

	for _, selector := range []string{"main", "article", "[role='main']", "#content", ".content"} {
		if text := doc.Find(selector).First().Text(); len(strings.TrimSpace(text)) > 100 {
			return title, text
		}
	}
	return title, doc.Find("body").Text()
}
