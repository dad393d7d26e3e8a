// Package parser turns record text into a models.Document: the frontmatter
// header, the anchored blocks with their machine mappings and prose, plus the
// wikilinks and tags used by the index.
//
// Parsing never fails. Hand-edited files are expected to be slightly broken
// now and then, so a missing or malformed section degrades to an empty value.
package parser

import (
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/starford/recordbook/internal/models"
)

// Fence markers delimiting a block's machine mapping.
const (
	FenceOpen  = "```yaml"
	FenceClose = "```"

	frontmatterDelim = "---"
)

var (
	wikilinkRe = regexp.MustCompile(`\[\[(.*?)\]\]`)
	tagRe      = regexp.MustCompile(`(?:^|\s)#([A-Za-z][A-Za-z0-9_/-]*)`)
	headingRe  = regexp.MustCompile(`^(#{1,6})[ \t]+(.*?)[ \t]*\{#([A-Za-z0-9_-]+)\}[ \t]*$`)
	plainH1Re  = regexp.MustCompile(`^#[ \t]+(.+?)[ \t]*$`)
	anchorRe   = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)
)

// Parse builds a Document from raw text.
func Parse(text string) *models.Document {
	lines := strings.Split(text, "\n")
	fm, bodyStart := splitFrontmatter(lines)

	doc := &models.Document{
		Frontmatter: fm,
		Blocks:      []models.Block{},
		Lines:       lines,
		BodyStart:   bodyStart,
	}

	var starts []int
	for i := bodyStart; i < len(lines); i++ {
		if _, _, _, ok := MatchHeading(lines[i]); ok {
			starts = append(starts, i)
		}
	}
	for k, start := range starts {
		end := len(lines)
		if k+1 < len(starts) {
			end = starts[k+1]
		}
		doc.Blocks = append(doc.Blocks, buildBlock(lines, start, end))
	}

	body := strings.Join(lines[bodyStart:], "\n")
	doc.Links = extractLinks(body)
	doc.Tags = extractTags(body, fm)
	doc.Title = deriveTitle(fm, doc.Blocks, lines[bodyStart:])
	return doc
}

// MatchHeading reports whether line is an anchored heading and returns its
// parts. Headings without a {#anchor} marker are not block boundaries.
func MatchHeading(line string) (level int, heading, anchor string, ok bool) {
	m := headingRe.FindStringSubmatch(strings.TrimSuffix(line, "\r"))
	if m == nil {
		return 0, "", "", false
	}
	return len(m[1]), m[2], m[3], true
}

// FormatHeading renders a heading line with its anchor marker.
func FormatHeading(level int, heading, anchor string) string {
	if level < 1 {
		level = 1
	}
	if level > 6 {
		level = 6
	}
	prefix := strings.Repeat("#", level) + " "
	if heading == "" {
		return prefix + "{#" + anchor + "}"
	}
	return prefix + heading + " {#" + anchor + "}"
}

// ValidAnchor reports whether s only uses the anchor character set.
func ValidAnchor(s string) bool {
	return anchorRe.MatchString(s)
}

// LocateFence scans forward from a block's heading for its data fence,
// stopping at end (the next block boundary).
func LocateFence(lines []string, start, end int) models.Fence {
	j := start + 1
	for j < end && strings.TrimSpace(lines[j]) == "" {
		j++
	}
	if j >= end || strings.TrimSpace(lines[j]) != FenceOpen {
		return models.Fence{State: models.FenceAbsent, Open: -1, Close: -1}
	}
	for c := j + 1; c < end; c++ {
		if strings.TrimSpace(lines[c]) == FenceClose {
			return models.Fence{State: models.FenceClosed, Open: j, Close: c}
		}
	}
	return models.Fence{State: models.FenceUnclosed, Open: j, Close: -1}
}

// DecodeMachine decodes fenced YAML into a mapping. ok is false when the
// content is not a mapping.
func DecodeMachine(content string) (map[string]any, bool) {
	var m map[string]any
	if err := yaml.Unmarshal([]byte(content), &m); err != nil {
		return map[string]any{}, false
	}
	if m == nil {
		m = map[string]any{}
	}
	return m, true
}

func buildBlock(lines []string, start, end int) models.Block {
	level, heading, anchor, _ := MatchHeading(lines[start])
	b := models.Block{
		Level:     level,
		Heading:   heading,
		Anchor:    anchor,
		Machine:   map[string]any{},
		StartLine: start,
		EndLine:   end,
	}

	b.Fence = LocateFence(lines, start, end)
	bodyFrom := start + 1
	if b.Fence.State == models.FenceClosed {
		content := strings.Join(lines[b.Fence.Open+1:b.Fence.Close], "\n")
		if m, ok := DecodeMachine(content); ok {
			b.Machine = m
		} else {
			b.Fence.State = models.FenceMalformed
		}
		bodyFrom = b.Fence.Close + 1
	}
	b.Body = trimBlankLines(lines[bodyFrom:end])
	return b
}

// splitFrontmatter decodes a leading "---" delimited YAML header and returns
// the index of the first line after it. Without a closing delimiter the whole
// text is treated as body.
func splitFrontmatter(lines []string) (map[string]any, int) {
	if len(lines) == 0 || strings.TrimSpace(lines[0]) != frontmatterDelim {
		return map[string]any{}, 0
	}
	for i := 1; i < len(lines); i++ {
		if strings.TrimSpace(lines[i]) != frontmatterDelim {
			continue
		}
		var fm map[string]any
		if err := yaml.Unmarshal([]byte(strings.Join(lines[1:i], "\n")), &fm); err != nil || fm == nil {
			fm = map[string]any{}
		}
		return fm, i + 1
	}
	return map[string]any{}, 0
}

func trimBlankLines(lines []string) string {
	from, to := 0, len(lines)
	for from < to && strings.TrimSpace(lines[from]) == "" {
		from++
	}
	for to > from && strings.TrimSpace(lines[to-1]) == "" {
		to--
	}
	return strings.Join(lines[from:to], "\n")
}

// extractLinks returns deduplicated wikilink targets, normalising aliases.
func extractLinks(body string) []string {
	matches := wikilinkRe.FindAllStringSubmatch(body, -1)
	seen := make(map[string]struct{}, len(matches))
	var out []string
	for _, m := range matches {
		target := m[1]
		if i := strings.Index(target, "|"); i >= 0 {
			target = target[:i]
		}
		target = strings.TrimSpace(target)
		if target == "" {
			continue
		}
		if _, ok := seen[target]; ok {
			continue
		}
		seen[target] = struct{}{}
		out = append(out, target)
	}
	return out
}

// extractTags collects #tags from body and from the frontmatter "tags" field.
func extractTags(body string, fm map[string]any) []string {
	seen := make(map[string]struct{})
	var out []string
	add := func(s string) {
		if s == "" {
			return
		}
		if _, dup := seen[s]; dup {
			return
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}

	if v, ok := fm["tags"].([]any); ok {
		for _, item := range v {
			if s, ok := item.(string); ok {
				add(strings.TrimSpace(s))
			}
		}
	}
	for _, m := range tagRe.FindAllStringSubmatch(body, -1) {
		add(m[1])
	}
	return out
}

// deriveTitle returns the frontmatter "title" if present, otherwise the first
// level-1 heading, anchored or not.
func deriveTitle(fm map[string]any, blocks []models.Block, body []string) string {
	if s, ok := fm["title"].(string); ok && s != "" {
		return s
	}
	for _, b := range blocks {
		if b.Level == 1 && b.Heading != "" {
			return b.Heading
		}
	}
	for _, line := range body {
		if m := plainH1Re.FindStringSubmatch(strings.TrimSuffix(line, "\r")); m != nil {
			return m[1]
		}
	}
	return ""
}
