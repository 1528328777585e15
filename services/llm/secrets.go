// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package llm

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

// SecretsDir is where container secrets are mounted.
var SecretsDir = "/run/secrets"

// ResolveSecret returns the value of envVar, or the trimmed content of
// SecretsDir/secretName when the variable is unset. It returns "" when
// neither exists.
func ResolveSecret(envVar, secretName string) string {
	if v := strings.TrimSpace(os.Getenv(envVar)); v != "" {
		return v
	}
	if secretName == "" {
		return ""
	}
	path := filepath.Join(SecretsDir, secretName)
	b, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	slog.Info("Read secret from secrets mount", "name", secretName)
	return strings.TrimSpace(string(b))
}
