package graphmail

import (
	"strings"
)

// blockTags end with a line break in the extracted text.
var blockTags = map[string]bool{
	"p": true, "div": true, "br": true, "li": true, "tr": true,
	"h1": true, "h2": true, "h3": true, "h4": true, "h5": true, "h6": true,
	"table": true, "blockquote": true,
}

// skippedTags have their entire content dropped.
var skippedTags = map[string]bool{
	"style": true, "script": true, "head": true,
}

// entities covers the entities mail clients actually emit; anything else
// passes through verbatim.
var entities = map[string]string{
	"&nbsp;": " ",
	"&amp;":  "&",
	"&lt;":   "<",
	"&gt;":   ">",
	"&quot;": `"`,
	"&#39;":  "'",
	"&apos;": "'",
}

// StripHTML extracts readable text from an HTML body. Single pass: tags
// are dropped, style/script content is skipped, block elements become
// line breaks, entities are decoded, whitespace is collapsed.
func StripHTML(html string) string {
	var b strings.Builder
	b.Grow(len(html) / 2)

	inTag := false
	skipDepth := 0
	var tag strings.Builder

	for i := 0; i < len(html); i++ {
		ch := html[i]

		switch {
		case ch == '<':
			inTag = true
			tag.Reset()

		case ch == '>' && inTag:
			inTag = false
			name, closing := tagName(tag.String())
			if skippedTags[name] {
				if closing {
					if skipDepth > 0 {
						skipDepth--
					}
				} else {
					skipDepth++
				}
			}
			if skipDepth == 0 && blockTags[name] {
				b.WriteByte('\n')
			}

		case inTag:
			tag.WriteByte(ch)

		case skipDepth > 0:
			// Inside style/script; drop.

		case ch == '&':
			entity, advance := decodeEntity(html[i:])
			b.WriteString(entity)
			i += advance - 1

		default:
			b.WriteByte(ch)
		}
	}

	return collapseWhitespace(b.String())
}

// tagName extracts the lowercase element name from raw tag innards like
// "div class=x", "/p" or "br/".
func tagName(raw string) (name string, closing bool) {
	raw = strings.TrimSpace(raw)
	if strings.HasPrefix(raw, "/") {
		closing = true
		raw = raw[1:]
	}
	for i := 0; i < len(raw); i++ {
		ch := raw[i]
		if ch == ' ' || ch == '\t' || ch == '\n' || ch == '/' {
			raw = raw[:i]
			break
		}
	}
	return strings.ToLower(raw), closing
}

// decodeEntity decodes a known entity at the start of s; unknown
// sequences return "&" and advance one byte.
func decodeEntity(s string) (string, int) {
	end := strings.IndexByte(s, ';')
	if end < 0 || end > 8 {
		return "&", 1
	}
	if repl, ok := entities[s[:end+1]]; ok {
		return repl, end + 1
	}
	return "&", 1
}

// collapseWhitespace trims each line and drops runs of blank lines.
func collapseWhitespace(s string) string {
	lines := strings.Split(s, "\n")
	out := make([]string, 0, len(lines))
	blank := true
	for _, line := range lines {
		line = strings.Join(strings.Fields(line), " ")
		if line == "" {
			if !blank {
				out = append(out, "")
			}
			blank = true
			continue
		}
		out = append(out, line)
		blank = false
	}
	return strings.TrimSpace(strings.Join(out, "\n"))
}
