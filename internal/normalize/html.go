package normalize

import (
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// HTMLText returns the visible text of an HTML fragment with whitespace
// collapsed. Input that fails to parse is returned collapsed as is.
func HTMLText(fragment string) string {
	if !strings.ContainsRune(fragment, '<') {
		return collapseSpace(fragment)
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(fragment))
	if err != nil {
		return collapseSpace(fragment)
	}
	doc.Find("script, style, noscript").Remove()
	// Block elements would otherwise glue neighbouring words together.
	doc.Find("p, br, div, li, h1, h2, h3, h4, h5, h6").Each(func(_ int, s *goquery.Selection) {
		s.AppendHtml(" ")
	})
	return collapseSpace(doc.Text())
}
