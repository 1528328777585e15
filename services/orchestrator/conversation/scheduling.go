// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package conversation

import "github.com/AleutianAI/AleutianConcierge/services/orchestrator/datatypes"

const (
	// DefaultSchedulingLink is the booking page offered for meetings.
	DefaultSchedulingLink = "https://outlook.office365.com/book/Chatbot@positive.rs/"

	defaultSchedulingMessageSR = "Možete zakazati sastanak sa našim timom ovde:"
	defaultSchedulingMessageEN = "You can book a meeting with our team here:"
)

// SchedulingConfig holds the localized booking link and message, keyed by
// language flag.
type SchedulingConfig struct {
	Links    map[string]string `yaml:"links"`
	Messages map[string]string `yaml:"messages"`
}

// DefaultSchedulingConfig returns the built-in sr and en texts.
func DefaultSchedulingConfig() SchedulingConfig {
	return SchedulingConfig{
		Links: map[string]string{
			"sr": DefaultSchedulingLink,
			"en": DefaultSchedulingLink,
		},
		Messages: map[string]string{
			"sr": defaultSchedulingMessageSR,
			"en": defaultSchedulingMessageEN,
		},
	}
}

// Localize returns the link and message for lang. Unknown languages fall
// back to DefaultLanguage, then to the built-in defaults.
func (c SchedulingConfig) Localize(lang string) (link, message string) {
	link = pick(c.Links, lang, DefaultSchedulingLink)
	message = pick(c.Messages, lang, defaultSchedulingMessageSR)
	return link, message
}

func pick(m map[string]string, lang, fallback string) string {
	if v := m[lang]; v != "" {
		return v
	}
	if v := m[datatypes.DefaultLanguage]; v != "" {
		return v
	}
	return fallback
}
