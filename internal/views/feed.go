package views

import (
	"bytes"
	"encoding/xml"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/yuin/goldmark"
)

// GUIDPrefix prefixes the item guid; the remainder is the generation instant.
const GUIDPrefix = "adtech-summary-"

const contentNamespace = "http://purl.org/rss/1.0/modules/content/"

// FeedMeta holds the static channel fields of the feed document.
type FeedMeta struct {
	Title       string
	Link        string
	Description string
	Language    string
	Footer      string
}

type rssDocument struct {
	XMLName   xml.Name   `xml:"rss"`
	Version   string     `xml:"version,attr"`
	ContentNS string     `xml:"xmlns:content,attr"`
	Channel   rssChannel `xml:"channel"`
}

type rssChannel struct {
	Title         string  `xml:"title"`
	Link          string  `xml:"link"`
	Description   string  `xml:"description"`
	Language      string  `xml:"language,omitempty"`
	LastBuildDate string  `xml:"lastBuildDate"`
	Item          rssItem `xml:"item"`
}

type rssItem struct {
	Title       string  `xml:"title"`
	Link        string  `xml:"link,omitempty"`
	GUID        rssGUID `xml:"guid"`
	PubDate     string  `xml:"pubDate"`
	Description cdata   `xml:"description"`
	Content     cdata   `xml:"content:encoded"`
}

type rssGUID struct {
	IsPermaLink string `xml:"isPermaLink,attr"`
	Value       string `xml:",chardata"`
}

// encoding/xml splits any "]]>" in cdata text into "]]]]><![CDATA[>".
type cdata struct {
	Text string `xml:",cdata"`
}

// GUID returns the item identifier for a generation timestamp.
func GUID(generatedAt int64) string {
	return GUIDPrefix + time.UnixMilli(generatedAt).UTC().Format("2006-01-02T15:04:05.000Z")
}

// RenderFeed builds the RSS 2.0 document for one summary. The output depends
// only on its arguments, so identical inputs give identical bytes.
func RenderFeed(meta FeedMeta, generatedAt int64, summary string) ([]byte, error) {
	generated := time.UnixMilli(generatedAt).UTC()
	pubDate := generated.Format(time.RFC1123Z)

	summary = xmlText(summary)
	description := summary
	if footer := strings.TrimSpace(meta.Footer); footer != "" {
		description = summary + "\n\n---\n" + xmlText(footer)
	}

	var html bytes.Buffer
	if err := goldmark.Convert([]byte(summary), &html); err != nil {
		return nil, fmt.Errorf("views: render summary html: %w", err)
	}

	doc := rssDocument{
		Version:   "2.0",
		ContentNS: contentNamespace,
		Channel: rssChannel{
			Title:         meta.Title,
			Link:          meta.Link,
			Description:   meta.Description,
			Language:      meta.Language,
			LastBuildDate: pubDate,
			Item: rssItem{
				Title:       fmt.Sprintf("%s - %s", meta.Title, generated.Format("2006-01-02 15:04 UTC")),
				Link:        meta.Link,
				GUID:        rssGUID{IsPermaLink: "false", Value: GUID(generatedAt)},
				PubDate:     pubDate,
				Description: cdata{Text: description},
				Content:     cdata{Text: html.String()},
			},
		},
	}

	body, err := xml.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("views: marshal feed: %w", err)
	}
	out := make([]byte, 0, len(xml.Header)+len(body)+1)
	out = append(out, xml.Header...)
	out = append(out, body...)
	out = append(out, '\n')
	return out, nil
}

// xmlText repairs invalid UTF-8 and drops runes outside the XML 1.0 Char
// production. CDATA sections are written verbatim, so nothing else would.
func xmlText(s string) string {
	s = strings.ToValidUTF8(s, string(utf8.RuneError))
	return strings.Map(func(r rune) rune {
		if isXMLChar(r) {
			return r
		}
		return -1
	}, s)
}

func isXMLChar(r rune) bool {
	switch {
	case r == 0x09 || r == 0x0A || r == 0x0D:
		return true
	case r >= 0x20 && r <= 0xD7FF:
		return true
	case r >= 0xE000 && r <= 0xFFFD:
		return true
	case r >= 0x10000 && r <= utf8.MaxRune:
		return true
	}
	return false
}
