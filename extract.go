package main

import (
	"html"
	"log"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// SourceFormat tags a raw content unit with the newsletter layout it came
// from. Generic input gets no section segmentation.
type SourceFormat string

const (
	FormatGeneric          SourceFormat = "generic"
	FormatTLDR             SourceFormat = "tldr"
	FormatHackerNewsletter SourceFormat = "hackernewsletter"
)

// DetectSourceFormat picks a format from the sender address.
func DetectSourceFormat(sender string) SourceFormat {
	s := strings.ToLower(sender)
	switch {
	case strings.Contains(s, "tldrnewsletter") || strings.Contains(s, "tldr.tech"):
		return FormatTLDR
	case strings.Contains(s, "hackernewsletter"):
		return FormatHackerNewsletter
	default:
		return FormatGeneric
	}
}

// sectionMarkers lists the known section headings per format, in the order
// they appear in the layout. Segmentation windows run from one recognized
// marker to the next recognized marker.
var sectionMarkers = map[SourceFormat][]string{
	FormatTLDR: {
		"Big Tech & Startups",
		"Science & Futuristic Technology",
		"Programming, Design & Data Science",
		"Miscellaneous",
		"Quick Links",
	},
	FormatHackerNewsletter: {
		"#Favorites",
		"#Articles",
		"#Ask HN",
		"#Show HN",
		"#Jobs",
		"#Code & Tools",
		"#Design",
		"#Fun",
	},
}

// promoStoplist drops generic promotional anchors before they become
// candidates. Matched case-insensitively as substrings of the title.
var promoStoplist = []string{
	"subscribe",
	"sign up",
	"signup",
	"unsubscribe",
	"follow us",
	"follow on",
	"contact",
	"advertise",
	"sponsor",
	"view online",
	"view in browser",
	"read online",
	"privacy policy",
	"terms of service",
	"manage preferences",
	"manage your subscription",
	"refer a friend",
	"share this",
	"hiring?",
	"post a job",
}

type section struct {
	Name string
	Body string
}

type linkTuple struct {
	Title       string
	URL         string
	Description string
	Category    string
	Popularity  string
}

// extractStrategy is one pure pass over raw text. Strategies are tried in
// order per section; the first non-empty result wins.
type extractStrategy struct {
	name string
	fn   func(string) []linkTuple
}

var extractStrategies = []extractStrategy{
	{"dom-anchors", extractDOMAnchors},
	{"regex-anchors", extractRegexAnchors},
	{"qp-repaired-anchors", extractQuotedPrintableAnchors},
	{"markdown-links", extractMarkdownLinks},
	{"tldr-plaintext", extractTLDRPlainText},
}

// ExtractCandidates converts one raw content unit into candidate items. It
// is total: any input, including empty strings and binary garbage, yields a
// (possibly empty) list and never an error.
func ExtractCandidates(raw string, format SourceFormat) []CandidateItem {
	if strings.TrimSpace(raw) == "" {
		log.Printf("extract input absent format=%s", format)
		return nil
	}

	sections := splitSections(raw, format)

	seenURL := make(map[string]bool)
	seenTitle := make(map[string]bool)
	var items []CandidateItem

	add := func(t linkTuple, sectionName string) {
		title := squashSpace(t.Title)
		if title == "" {
			return
		}
		if (t.URL != "" && seenURL[t.URL]) || seenTitle[title] {
			return
		}
		if isPromotional(title) {
			return
		}
		if t.URL != "" {
			seenURL[t.URL] = true
		}
		seenTitle[title] = true
		category := t.Category
		if category == "" {
			category = sectionName
		}
		items = append(items, CandidateItem{
			Title:          title,
			Description:    t.Description,
			Source:         t.URL,
			CategoryHint:   category,
			PopularityHint: t.Popularity,
		})
	}

	for _, sec := range sections {
		for _, strat := range extractStrategies {
			tuples := strat.fn(sec.Body)
			if len(tuples) == 0 {
				continue
			}
			for _, t := range tuples {
				add(t, sec.Name)
			}
			break
		}
	}

	if len(items) == 0 {
		for _, t := range fallbackSegments(raw) {
			add(t, "")
		}
		if len(items) > 0 {
			log.Printf("extract fallback segmentation format=%s items=%d", format, len(items))
		}
	}

	if len(items) == 0 {
		log.Printf("extract zero items format=%s input_len=%d", format, len(raw))
	}
	return items
}

// splitSections cuts the unit into named windows between recognized
// markers. Content before the first marker (or all of it, for formats with
// no markers) becomes a single unnamed section.
func splitSections(raw string, format SourceFormat) []section {
	markers := sectionMarkers[format]
	if len(markers) == 0 {
		return []section{{Body: raw}}
	}

	lower := strings.ToLower(raw)
	type hit struct {
		name  string
		start int
		end   int
	}
	var hits []hit
	searchFrom := 0
	for _, m := range markers {
		idx := strings.Index(lower[searchFrom:], strings.ToLower(m))
		if idx < 0 {
			continue
		}
		start := searchFrom + idx
		hits = append(hits, hit{name: m, start: start, end: start + len(m)})
		searchFrom = start + len(m)
	}
	if len(hits) == 0 {
		return []section{{Body: raw}}
	}

	var sections []section
	if hits[0].start > 0 {
		sections = append(sections, section{Body: raw[:hits[0].start]})
	}
	for i, h := range hits {
		end := len(raw)
		if i+1 < len(hits) {
			end = hits[i+1].start
		}
		sections = append(sections, section{Name: h.name, Body: raw[h.end:end]})
	}
	return sections
}

var (
	anchorRe = regexp.MustCompile(`(?is)<a\s[^>]*href\s*=\s*(?:"([^"]*)"|'([^']*)'|([^\s>]+))[^>]*>(.*?)</a>`)

	markdownLinkRe = regexp.MustCompile(`\[([^\]\n]+)\]\((https?://[^)\s]+)\)`)

	tldrItemRe = regexp.MustCompile(`(?m)^[ \t]*(\S.{6,140}?\S)[ \t]*\((\d+[ \t]+minute read|GitHub Repo|Website)\)[ \t]*\r?\n[ \t]*(https?://\S+)`)

	tagRe       = regexp.MustCompile(`(?s)<[^>]*>`)
	softBreakRe = regexp.MustCompile(`=\r?\n`)
	qpHexRe     = regexp.MustCompile(`=([0-9A-Fa-f]{2})`)
	urlRe       = regexp.MustCompile(`https?://[^\s<>"')\]]+`)
	dividerRe   = regexp.MustCompile(`^[-=_*]{3,}$`)
)

// extractDOMAnchors walks real anchors in parseable HTML.
func extractDOMAnchors(body string) []linkTuple {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(body))
	if err != nil {
		return nil
	}
	var tuples []linkTuple
	doc.Find("a[href]").Each(func(_ int, s *goquery.Selection) {
		href := strings.TrimSpace(s.AttrOr("href", ""))
		title := squashSpace(s.Text())
		if !strings.HasPrefix(href, "http") || len(title) < 4 {
			return
		}
		tuples = append(tuples, linkTuple{Title: title, URL: href})
	})
	return tuples
}

// extractRegexAnchors tolerates broken markup goquery cannot resolve into
// anchors: unquoted hrefs, single quotes, attribute noise.
func extractRegexAnchors(body string) []linkTuple {
	var tuples []linkTuple
	for _, m := range anchorRe.FindAllStringSubmatch(body, -1) {
		url := m[1]
		if url == "" {
			url = m[2]
		}
		if url == "" {
			url = m[3]
		}
		url = strings.TrimSpace(html.UnescapeString(url))
		title := squashSpace(html.UnescapeString(tagRe.ReplaceAllString(m[4], " ")))
		if !strings.HasPrefix(url, "http") || len(title) < 4 {
			continue
		}
		tuples = append(tuples, linkTuple{Title: title, URL: url})
	}
	return tuples
}

// extractQuotedPrintableAnchors repairs quoted-printable damage (soft line
// breaks, =3D and friends) before re-running the anchor scan. Needed for
// newsletter bodies that arrive encoded but mislabeled.
func extractQuotedPrintableAnchors(body string) []linkTuple {
	repaired := repairQuotedPrintable(body)
	if repaired == body {
		return nil
	}
	return extractRegexAnchors(repaired)
}

func extractMarkdownLinks(body string) []linkTuple {
	var tuples []linkTuple
	for _, m := range markdownLinkRe.FindAllStringSubmatch(body, -1) {
		title := squashSpace(m[1])
		if len(title) < 4 {
			continue
		}
		tuples = append(tuples, linkTuple{Title: title, URL: m[2]})
	}
	return tuples
}

// extractTLDRPlainText handles the text rendering of TLDR-style items:
// a title line ending in "(N minute read)" followed by the bare URL.
func extractTLDRPlainText(body string) []linkTuple {
	var tuples []linkTuple
	for _, m := range tldrItemRe.FindAllStringSubmatch(body, -1) {
		tuples = append(tuples, linkTuple{
			Title:      squashSpace(m[1]),
			URL:        strings.TrimSpace(m[3]),
			Popularity: squashSpace(m[2]),
		})
	}
	return tuples
}

func repairQuotedPrintable(s string) string {
	if !strings.Contains(s, "=") {
		return s
	}
	s = softBreakRe.ReplaceAllString(s, "")
	return qpHexRe.ReplaceAllStringFunc(s, func(m string) string {
		var b byte
		for _, c := range []byte(m[1:]) {
			b <<= 4
			switch {
			case c >= '0' && c <= '9':
				b |= c - '0'
			case c >= 'a' && c <= 'f':
				b |= c - 'a' + 10
			case c >= 'A' && c <= 'F':
				b |= c - 'A' + 10
			}
		}
		return string([]byte{b})
	})
}

// fallbackSegments is the looser heuristic used when every strategy came up
// empty: a title-looking line, then a description block terminated by a
// blank line or a layout divider. Guarantees best-effort output over an
// empty result.
func fallbackSegments(raw string) []linkTuple {
	text := tagRe.ReplaceAllString(repairQuotedPrintable(raw), "\n")
	text = html.UnescapeString(text)
	lines := strings.Split(text, "\n")

	var tuples []linkTuple
	i := 0
	for i < len(lines) {
		title := squashSpace(lines[i])
		if len(title) < 15 || len(title) > 150 || strings.Contains(title, "http") || isPromotional(title) {
			i++
			continue
		}

		var descLines []string
		var url string
		j := i + 1
		for j < len(lines) {
			line := squashSpace(lines[j])
			if line == "" || dividerRe.MatchString(line) {
				break
			}
			if u := urlRe.FindString(line); u != "" && url == "" {
				url = u
			}
			descLines = append(descLines, line)
			j++
		}

		if len(descLines) > 0 {
			tuples = append(tuples, linkTuple{
				Title:       title,
				URL:         url,
				Description: squashSpace(strings.Join(descLines, " ")),
			})
		}
		if j > i {
			i = j
		} else {
			i++
		}
	}
	return tuples
}

func isPromotional(title string) bool {
	t := strings.ToLower(title)
	for _, stop := range promoStoplist {
		if strings.Contains(t, stop) {
			return true
		}
	}
	return false
}

var spaceRe = regexp.MustCompile(`\s+`)

func squashSpace(s string) string {
	return strings.TrimSpace(spaceRe.ReplaceAllString(s, " "))
}
