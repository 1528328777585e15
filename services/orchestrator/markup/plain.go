// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package markup

import (
	"html"
	"strings"

	"github.com/microcosm-cc/bluemonday"
)

var plainPolicy = bluemonday.StrictPolicy()

// PlainText strips display markup from a rendered answer for text to
// speech and follow-up prompts. Line breaks become newlines and entities
// are decoded.
func PlainText(rendered string) string {
	s := strings.ReplaceAll(rendered, "\n"+lineBreak, "\n")
	s = strings.ReplaceAll(s, lineBreak, "\n")
	s = plainPolicy.Sanitize(s)
	return strings.TrimSpace(html.UnescapeString(s))
}
