package api

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/ledongthuc/pdf"
	"golang.org/x/net/html"
)

// Ingest content formats.
const (
	FormatText = "text"
	FormatHTML = "html"
	FormatPDF  = "pdf"
	FormatURL  = "url"
)

// ExtractHTML strips markup and returns the visible text, with whitespace
// between block elements preserved as single spaces. Script and style
// contents are dropped.
func ExtractHTML(r io.Reader) (string, error) {
	root, err := html.Parse(r)
	if err != nil {
		return "", fmt.Errorf("parsing html: %w", err)
	}

	var b strings.Builder
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode {
			switch n.Data {
			case "script", "style", "noscript":
				return
			}
		}
		if n.Type == html.TextNode {
			text := strings.TrimSpace(n.Data)
			if text != "" {
				if b.Len() > 0 {
					b.WriteByte(' ')
				}
				b.WriteString(text)
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(root)
	return b.String(), nil
}

// ExtractPDF decodes base64-encoded PDF data and returns its plain text.
func ExtractPDF(encoded string) (string, error) {
	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", &resolveError{http.StatusBadRequest, "invalid_request_error", "pdf content must be base64-encoded"}
	}

	reader, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", &resolveError{http.StatusBadRequest, "invalid_request_error", "invalid pdf: " + err.Error()}
	}
	text, err := reader.GetPlainText()
	if err != nil {
		return "", &resolveError{http.StatusBadRequest, "invalid_request_error", "extracting pdf text: " + err.Error()}
	}
	var b strings.Builder
	if _, err := io.Copy(&b, text); err != nil {
		return "", fmt.Errorf("reading pdf text: %w", err)
	}
	return b.String(), nil
}
