// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package markup converts raw model output into display markup.
//
// # Description
//
// The streaming responder re-renders the whole raw buffer on every token,
// so rendering must be a pure function of the buffer and must be
// idempotent: Render(Render(x)) == Render(x). The renderer is a single
// left-to-right state machine rather than a chain of regex passes:
//
//   - **bold** becomes <strong>bold</strong>
//   - [text](url) becomes an anchor opening in a new tab (http, https,
//     mailto, tel and relative urls only)
//   - "N. " at line start becomes "<br>N. "
//   - "- " or "* " at line start becomes "<br>• "
//
// Every other '<', '>', '*' and '[' is written as an entity, and the only
// raw tags in the output are the ones listed above. A second pass finds
// no markers left to convert and passes those tags through unchanged,
// which is what makes the transform idempotent.
//
// # Streaming
//
// RenderPartial is used for in-progress frames. It withholds a trailing
// fragment that could still grow into one of the known tags (for example
// "<str"), and a lone '*' at line start, so that successive frames never
// get shorter.
package markup

import (
	"html"
	"strings"
)

const (
	strongOpen   = "<strong>"
	strongClose  = "</strong>"
	lineBreak    = "<br>"
	anchorClose  = "</a>"
	anchorPrefix = `<a href="`
	anchorSuffix = `" target="_blank" rel="noopener noreferrer">`
	bulletGlyph  = "• "
)

var fixedTags = [...]string{strongOpen, strongClose, lineBreak, anchorClose}

// Render converts a complete raw buffer to display markup.
func Render(raw string) string {
	return render(raw, false)
}

// RenderPartial converts a raw buffer that is still growing.
func RenderPartial(raw string) string {
	return render(raw[:len(raw)-partialTagLen(raw)], true)
}

func render(s string, partial bool) string {
	r := renderer{lineStart: true, partial: partial}
	r.out.Grow(len(s) + len(s)/4)
	r.block(s)
	return r.out.String()
}

// renderer holds the line state of one pass.
type renderer struct {
	out strings.Builder

	// lineStart is true until the first non-blank character of a line.
	lineStart bool

	// afterBreak is true when the last tag written on this line is <br>,
	// so a list marker does not get a second one.
	afterBreak bool

	partial bool
}

func (r *renderer) block(s string) {
	for i := 0; i < len(s); {
		c := s[i]

		if c == '\n' {
			r.out.WriteByte('\n')
			r.lineStart, r.afterBreak = true, false
			i++
			continue
		}
		if r.lineStart && (c == ' ' || c == '\t') {
			r.out.WriteByte(c)
			i++
			continue
		}

		if n := ownTagLen(s[i:]); n > 0 {
			tag := s[i : i+n]
			r.out.WriteString(tag)
			if tag == lineBreak {
				r.lineStart, r.afterBreak = true, true
			} else {
				r.lineStart, r.afterBreak = false, false
			}
			i += n
			continue
		}

		if r.lineStart {
			if n := numberedMarkerLen(s[i:]); n > 0 {
				r.breakLine()
				r.out.WriteString(s[i : i+n])
				r.lineStart, r.afterBreak = false, false
				i += n
				continue
			}
			if isBulletMarker(s[i:]) {
				r.breakLine()
				r.out.WriteString(bulletGlyph)
				r.lineStart, r.afterBreak = false, false
				i += 2
				continue
			}
			if r.partial && s[i:] == "*" {
				// Could still become a bullet or a bold opener.
				return
			}
		}

		r.lineStart, r.afterBreak = false, false
		i += r.inlineAt(s, i, true, true)
	}
}

func (r *renderer) breakLine() {
	if !r.afterBreak {
		r.out.WriteString(lineBreak)
	}
}

// inline renders a span (bold content or link text). Raw tags inside a
// span are escaped, never passed through.
func (r *renderer) inline(s string, links, bold bool) {
	for i := 0; i < len(s); {
		i += r.inlineAt(s, i, links, bold)
	}
}

// inlineAt renders the construct starting at s[i] and returns how many
// bytes it consumed.
func (r *renderer) inlineAt(s string, i int, links, bold bool) int {
	switch s[i] {
	case '[':
		if !links {
			break
		}
		if text, url, n, ok := parseLink(s[i:]); ok {
			r.out.WriteString(anchorPrefix)
			writeHref(&r.out, url)
			r.out.WriteString(anchorSuffix)
			r.inline(text, false, bold)
			r.out.WriteString(anchorClose)
			return n
		}
	case '*':
		if !bold {
			break
		}
		if content, n, ok := parseBold(s[i:]); ok {
			r.out.WriteString(strongOpen)
			r.inline(content, links, false)
			r.out.WriteString(strongClose)
			return n
		}
	}
	writeEscaped(&r.out, s[i])
	return 1
}

// =============================================================================
// Markers
// =============================================================================

// parseBold matches "**content**" at the start of s on a single line.
// content must not start with '*' or a blank, so it never contains "**".
func parseBold(s string) (content string, n int, ok bool) {
	if len(s) < 5 || s[0] != '*' || s[1] != '*' {
		return "", 0, false
	}
	switch s[2] {
	case '*', ' ', '\t', '\n':
		return "", 0, false
	}
	end := strings.IndexByte(s, '\n')
	if end < 0 {
		end = len(s)
	}
	j := strings.Index(s[3:end], "**")
	if j < 0 {
		return "", 0, false
	}
	j += 3
	return s[2:j], j + 2, true
}

// parseLink matches "[text](url)" at the start of s.
func parseLink(s string) (text, url string, n int, ok bool) {
	closeIdx := strings.IndexAny(s[1:], "[]\n")
	if closeIdx <= 0 || s[1+closeIdx] != ']' {
		return "", "", 0, false
	}
	closeIdx++
	if closeIdx+1 >= len(s) || s[closeIdx+1] != '(' {
		return "", "", 0, false
	}
	rest := s[closeIdx+2:]
	end := strings.IndexByte(rest, ')')
	if end <= 0 {
		return "", "", 0, false
	}
	url = rest[:end]
	if strings.ContainsAny(url, " \t\n\"") || !safeURL(html.UnescapeString(url)) {
		return "", "", 0, false
	}
	return s[1:closeIdx], url, closeIdx + 2 + end + 1, true
}

// numberedMarkerLen matches "digits. " and returns its length.
func numberedMarkerLen(s string) int {
	i := 0
	for i < len(s) && s[i] >= '0' && s[i] <= '9' {
		i++
	}
	if i == 0 || i+1 >= len(s) || s[i] != '.' || s[i+1] != ' ' {
		return 0
	}
	return i + 2
}

func isBulletMarker(s string) bool {
	return len(s) >= 2 && (s[0] == '-' || s[0] == '*') && s[1] == ' '
}

// safeURL rejects urls with a scheme other than http, https, mailto, tel.
func safeURL(url string) bool {
	colon := strings.IndexByte(url, ':')
	if colon < 0 {
		return true
	}
	if strings.ContainsAny(url[:colon], "/?#") {
		return true
	}
	switch strings.ToLower(url[:colon]) {
	case "http", "https", "mailto", "tel":
		return true
	}
	return false
}

// =============================================================================
// Tags
// =============================================================================

// ownTagLen returns the length of the renderer-produced tag at the start
// of s, or 0.
func ownTagLen(s string) int {
	if len(s) == 0 || s[0] != '<' {
		return 0
	}
	for _, tag := range fixedTags {
		if strings.HasPrefix(s, tag) {
			return len(tag)
		}
	}
	if !strings.HasPrefix(s, anchorPrefix) {
		return 0
	}
	rest := s[len(anchorPrefix):]
	end := strings.IndexAny(rest, "\"<> \t\n")
	if end <= 0 || rest[end] != '"' {
		return 0
	}
	if !safeURL(html.UnescapeString(rest[:end])) {
		return 0
	}
	if !strings.HasPrefix(rest[end:], anchorSuffix) {
		return 0
	}
	return len(anchorPrefix) + end + len(anchorSuffix)
}

// partialTagLen returns the length of a trailing fragment of s that could
// still grow into one of the renderer's tags.
func partialTagLen(s string) int {
	i := strings.LastIndexByte(s, '<')
	if i < 0 {
		return 0
	}
	if couldBecomeTag(s[i:]) {
		return len(s) - i
	}
	return 0
}

func couldBecomeTag(t string) bool {
	for _, tag := range fixedTags {
		if len(t) < len(tag) && strings.HasPrefix(tag, t) {
			return true
		}
	}
	if len(t) <= len(anchorPrefix) {
		return strings.HasPrefix(anchorPrefix, t)
	}
	if !strings.HasPrefix(t, anchorPrefix) {
		return false
	}
	rest := t[len(anchorPrefix):]
	q := strings.IndexAny(rest, "\"<> \t\n")
	if q < 0 {
		return true
	}
	if rest[q] != '"' {
		return false
	}
	suffix := rest[q:]
	return len(suffix) < len(anchorSuffix) && strings.HasPrefix(anchorSuffix, suffix)
}

// =============================================================================
// Escaping
// =============================================================================

func writeEscaped(b *strings.Builder, c byte) {
	switch c {
	case '<':
		b.WriteString("&lt;")
	case '>':
		b.WriteString("&gt;")
	case '*':
		b.WriteString("&#42;")
	case '[':
		b.WriteString("&#91;")
	default:
		b.WriteByte(c)
	}
}

func writeHref(b *strings.Builder, url string) {
	for i := 0; i < len(url); i++ {
		switch url[i] {
		case '<':
			b.WriteString("&lt;")
		case '>':
			b.WriteString("&gt;")
		default:
			b.WriteByte(url[i])
		}
	}
}
