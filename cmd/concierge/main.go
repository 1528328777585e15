// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Command concierge runs the website concierge chat service.
//
// # Usage
//
//	# Build
//	go build -o concierge ./cmd/concierge
//
//	# Run with a config file
//	./concierge serve --config concierge.yaml
//
//	# Or with environment only
//	OPENAI_API_KEY=... WEAVIATE_URL=http://weaviate:8080 ./concierge serve
package main

import (
	"log"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Fatalf("Error executing command: %v", err)
	}
}
