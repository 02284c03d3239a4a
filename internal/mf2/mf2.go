// Package mf2 parses the subset of microformats2 that original post
// discovery needs: h-feed and h-entry items with their u-url and
// u-syndication properties, plus rel links.
package mf2

import (
	"bytes"
	"fmt"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html/charset"
)

// Item is one parsed microformats2 root: an h-entry, h-feed, h-card, etc.
type Item struct {
	Types      []string
	Properties map[string][]string
	Children   []*Item
}

// HasType reports whether the item carries the given root type.
func (it *Item) HasType(t string) bool {
	for _, have := range it.Types {
		if have == t {
			return true
		}
	}
	return false
}

// Prop returns the first value of a property, or "".
func (it *Item) Prop(name string) string {
	if vals := it.Properties[name]; len(vals) > 0 {
		return vals[0]
	}
	return ""
}

// Document is a parsed page: its top-level items and rel links.
type Document struct {
	Items []*Item
	Rels  map[string][]string
}

// Parse parses an HTML document. contentType drives charset detection and
// may be empty; relative URLs are resolved against baseURL.
func Parse(body []byte, contentType, baseURL string) (*Document, error) {
	reader, err := charset.NewReader(bytes.NewReader(body), contentType)
	if err != nil {
		reader = bytes.NewReader(body)
	}
	doc, err := goquery.NewDocumentFromReader(reader)
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}

	base, _ := url.Parse(baseURL)
	p := &parser{base: base}

	out := &Document{Rels: make(map[string][]string)}
	doc.Find("[rel]").Each(func(_ int, sel *goquery.Selection) {
		// An empty href is kept: it resolves to the page itself, which
		// is how pages advertise themselves as their own endpoint.
		href, ok := sel.Attr("href")
		if !ok {
			return
		}
		resolved := p.resolve(href)
		for _, rel := range strings.Fields(sel.AttrOr("rel", "")) {
			out.Rels[rel] = appendUnique(out.Rels[rel], resolved)
		}
	})

	doc.Find("body").Each(func(_ int, sel *goquery.Selection) {
		out.Items = append(out.Items, p.walk(sel)...)
	})
	if len(out.Items) == 0 {
		// documents without an explicit body still parse through goquery's
		// implicit one; fall back to the whole tree
		out.Items = p.walk(doc.Selection)
	}
	if len(out.Items) == 0 {
		if item := p.tumblrItem(doc); item != nil {
			out.Items = []*Item{item}
		}
	}
	return out, nil
}

// tumblrItem handles Tumblr's classic theme markup, which carries no mf2 at
// all: div#content > div.post > div.copy, with photos under .photo-wrapper.
// The post is read as an h-entry with the copy as its content.
func (p *parser) tumblrItem(doc *goquery.Document) *Item {
	post := doc.Find("#content .post").First()
	if post.Length() == 0 {
		return nil
	}
	item := &Item{Types: []string{"h-entry"}, Properties: make(map[string][]string)}
	if body := post.Find(".copy").First(); body.Length() > 0 {
		if html, err := body.Html(); err == nil && strings.TrimSpace(html) != "" {
			item.Properties["content"] = []string{strings.TrimSpace(html)}
		}
	}
	if img := post.Find(".photo-wrapper img").First(); img.Length() > 0 {
		if src, ok := img.Attr("src"); ok {
			item.Properties["photo"] = []string{p.resolve(src)}
		}
	}
	return item
}

// FindFeedItems returns the entries to scan for syndication links: the
// children of the first h-feed if one exists, otherwise all top-level
// h-entries.
func (d *Document) FindFeedItems() []*Item {
	for _, item := range d.Items {
		if item.HasType("h-feed") {
			var entries []*Item
			for _, child := range item.Children {
				if child.HasType("h-entry") {
					entries = append(entries, child)
				}
			}
			if len(entries) > 0 {
				return entries
			}
			// an empty h-feed falls through to the page's top-level entries
			break
		}
	}
	var entries []*Item
	for _, item := range d.Items {
		if item.HasType("h-entry") {
			entries = append(entries, item)
		}
	}
	return entries
}

type parser struct {
	base *url.URL
}

func (p *parser) resolve(href string) string {
	href = strings.TrimSpace(href)
	if p.base == nil {
		return href
	}
	u, err := url.Parse(href)
	if err != nil {
		return href
	}
	return p.base.ResolveReference(u).String()
}

// legacy microformats1 classes still common in the wild
var backcompatRoots = map[string]string{
	"hentry": "h-entry",
	"hfeed":  "h-feed",
	"hcard":  "h-card",
}

// legacy mf1 property classes that read as plain text
var backcompatTextProps = map[string]string{
	"entry-title":   "name",
	"entry-summary": "summary",
}

func rootTypes(sel *goquery.Selection) []string {
	var types []string
	for _, class := range strings.Fields(sel.AttrOr("class", "")) {
		if strings.HasPrefix(class, "h-") {
			types = appendUnique(types, class)
		} else if mapped, ok := backcompatRoots[class]; ok {
			types = appendUnique(types, mapped)
		}
	}
	return types
}

// walk collects root items from sel's children without descending into
// them; nested roots become Children of their parent.
func (p *parser) walk(sel *goquery.Selection) []*Item {
	var items []*Item
	sel.Children().Each(func(_ int, child *goquery.Selection) {
		if types := rootTypes(child); len(types) > 0 {
			items = append(items, p.buildItem(child, types))
			return
		}
		items = append(items, p.walk(child)...)
	})
	return items
}

func (p *parser) buildItem(sel *goquery.Selection, types []string) *Item {
	item := &Item{
		Types:      types,
		Properties: make(map[string][]string),
	}
	sel.Children().Each(func(_ int, child *goquery.Selection) {
		p.scanProperties(item, child)
	})

	// implied url: a root <a> or <area> with no explicit u-url
	if len(item.Properties["url"]) == 0 {
		if node := goquery.NodeName(sel); node == "a" || node == "area" {
			if href, ok := sel.Attr("href"); ok {
				item.Properties["url"] = []string{p.resolve(href)}
			}
		}
	}
	return item
}

func (p *parser) scanProperties(item *Item, sel *goquery.Selection) {
	classes := strings.Fields(sel.AttrOr("class", ""))

	var propNames []string
	for _, class := range classes {
		switch {
		case strings.HasPrefix(class, "u-"):
			propNames = append(propNames, strings.TrimPrefix(class, "u-"))
		case strings.HasPrefix(class, "p-"):
			propNames = append(propNames, strings.TrimPrefix(class, "p-"))
		case strings.HasPrefix(class, "dt-"):
			propNames = append(propNames, strings.TrimPrefix(class, "dt-"))
		case strings.HasPrefix(class, "e-"):
			propNames = append(propNames, strings.TrimPrefix(class, "e-"))
		}
	}

	if types := rootTypes(sel); len(types) > 0 {
		child := p.buildItem(sel, types)
		item.Children = append(item.Children, child)
		// a nested root used as a property contributes its url or name
		for _, name := range propNames {
			if v := child.Prop("url"); v != "" {
				item.Properties[name] = appendUnique(item.Properties[name], v)
			} else if v := child.Prop("name"); v != "" {
				item.Properties[name] = appendUnique(item.Properties[name], v)
			}
		}
		return
	}

	for _, class := range classes {
		switch {
		case strings.HasPrefix(class, "u-"):
			name := strings.TrimPrefix(class, "u-")
			if v := p.urlValue(sel); v != "" {
				item.Properties[name] = appendUnique(item.Properties[name], v)
			}
		case strings.HasPrefix(class, "p-"):
			name := strings.TrimPrefix(class, "p-")
			if v := textValue(sel); v != "" {
				item.Properties[name] = appendUnique(item.Properties[name], v)
			}
		case strings.HasPrefix(class, "dt-"):
			name := strings.TrimPrefix(class, "dt-")
			if v := datetimeValue(sel); v != "" {
				item.Properties[name] = appendUnique(item.Properties[name], v)
			}
		case strings.HasPrefix(class, "e-"):
			name := strings.TrimPrefix(class, "e-")
			if v, err := sel.Html(); err == nil && strings.TrimSpace(v) != "" {
				item.Properties[name] = appendUnique(item.Properties[name], strings.TrimSpace(v))
			}
		case class == "entry-content":
			// mf1 content reads like e-content: the element's inner HTML
			if v, err := sel.Html(); err == nil && strings.TrimSpace(v) != "" {
				item.Properties["content"] = appendUnique(item.Properties["content"], strings.TrimSpace(v))
			}
		default:
			if name := backcompatTextProps[class]; name != "" {
				if v := textValue(sel); v != "" {
					item.Properties[name] = appendUnique(item.Properties[name], v)
				}
			}
		}
	}

	sel.Children().Each(func(_ int, child *goquery.Selection) {
		p.scanProperties(item, child)
	})
}

func (p *parser) urlValue(sel *goquery.Selection) string {
	switch goquery.NodeName(sel) {
	case "a", "area", "link":
		if href, ok := sel.Attr("href"); ok {
			return p.resolve(href)
		}
	case "img", "audio", "video", "iframe", "source":
		if src, ok := sel.Attr("src"); ok {
			return p.resolve(src)
		}
	}
	if v := strings.TrimSpace(sel.Text()); v != "" {
		return p.resolve(v)
	}
	return ""
}

func textValue(sel *goquery.Selection) string {
	if goquery.NodeName(sel) == "img" {
		if alt, ok := sel.Attr("alt"); ok {
			return strings.TrimSpace(alt)
		}
	}
	return strings.TrimSpace(sel.Text())
}

func datetimeValue(sel *goquery.Selection) string {
	switch goquery.NodeName(sel) {
	case "time", "ins", "del":
		if dt, ok := sel.Attr("datetime"); ok {
			return strings.TrimSpace(dt)
		}
	}
	return strings.TrimSpace(sel.Text())
}

func appendUnique(list []string, v string) []string {
	for _, have := range list {
		if have == v {
			return list
		}
	}
	return append(list, v)
}
