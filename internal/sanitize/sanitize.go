// Package sanitize cleans free-text content arriving from other instances
// before it is persisted. Imported titles, descriptions and comment bodies are
// authored on a machine we do not trust.
package sanitize

import (
	"strings"

	"golang.org/x/net/html"
)

// Formatting tags allowed through RichText. Everything else is dropped,
// keeping only its text content.
var allowedTags = map[string]bool{
	"a": true, "b": true, "blockquote": true, "br": true, "code": true,
	"em": true, "i": true, "li": true, "ol": true, "p": true, "pre": true,
	"strong": true, "ul": true,
}

// Elements whose entire content is dropped, not just the tags.
var droppedElements = map[string]bool{
	"script": true, "style": true, "iframe": true, "object": true,
	"embed": true, "noscript": true,
}

// Text strips all markup and returns the trimmed plain text.
func Text(input string) string {
	tokenizer := html.NewTokenizerFragment(strings.NewReader(input), "body")

	var out strings.Builder
	var dropDepth int
	for {
		tt := tokenizer.Next()
		if tt == html.ErrorToken {
			break
		}
		name, _ := tokenizer.TagName()
		tag := string(name)
		switch tt {
		case html.StartTagToken:
			if droppedElements[tag] {
				dropDepth++
			}
		case html.EndTagToken:
			if droppedElements[tag] && dropDepth > 0 {
				dropDepth--
			}
		case html.TextToken:
			if dropDepth == 0 {
				out.Write(tokenizer.Text())
			}
		}
	}
	return strings.TrimSpace(out.String())
}

// RichText keeps basic formatting tags and strips everything executable:
// scripts, event-handler attributes and javascript: URLs.
func RichText(input string) string {
	tokenizer := html.NewTokenizerFragment(strings.NewReader(input), "body")

	var out strings.Builder
	var dropDepth int
	for {
		tt := tokenizer.Next()
		if tt == html.ErrorToken {
			break
		}
		name, hasAttr := tokenizer.TagName()
		tag := string(name)
		switch tt {
		case html.StartTagToken, html.SelfClosingTagToken:
			if droppedElements[tag] {
				if tt == html.StartTagToken {
					dropDepth++
				}
				continue
			}
			if dropDepth > 0 || !allowedTags[tag] {
				continue
			}
			writeTag(&out, tag, tokenizer, hasAttr, tt == html.SelfClosingTagToken)
		case html.EndTagToken:
			if droppedElements[tag] {
				if dropDepth > 0 {
					dropDepth--
				}
				continue
			}
			if dropDepth == 0 && allowedTags[tag] {
				out.WriteString("</" + tag + ">")
			}
		case html.TextToken:
			if dropDepth == 0 {
				out.WriteString(html.EscapeString(string(tokenizer.Text())))
			}
		}
	}
	return strings.TrimSpace(out.String())
}

func writeTag(out *strings.Builder, tag string, tokenizer *html.Tokenizer, hasAttr, selfClosing bool) {
	out.WriteString("<" + tag)
	for hasAttr {
		var key, val []byte
		key, val, hasAttr = tokenizer.TagAttr()
		if !safeAttr(tag, string(key), string(val)) {
			continue
		}
		out.WriteString(" " + string(key) + `="` + html.EscapeString(string(val)) + `"`)
	}
	if selfClosing {
		out.WriteString("/>")
		return
	}
	out.WriteString(">")
}

func safeAttr(tag, key, val string) bool {
	key = strings.ToLower(key)
	if strings.HasPrefix(key, "on") {
		return false
	}
	if tag == "a" && key == "href" {
		v := strings.ToLower(strings.TrimSpace(val))
		return strings.HasPrefix(v, "http://") || strings.HasPrefix(v, "https://")
	}
	// Only hrefs carry through; everything else (style, class, data-*) is noise
	// from a foreign instance.
	return false
}
