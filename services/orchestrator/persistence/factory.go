// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package persistence

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"cloud.google.com/go/storage"
	"github.com/weaviate/weaviate-go-client/v5/weaviate"
	"google.golang.org/api/option"
)

// Config selects and configures a backend.
type Config struct {
	// Backend is "none", "weaviate", "badger" or "gcs".
	Backend string `yaml:"backend"`

	BadgerPath string `yaml:"badger_path"`

	GCSBucket          string `yaml:"gcs_bucket"`
	GCSPrefix          string `yaml:"gcs_prefix"`
	GCSCredentialsFile string `yaml:"gcs_credentials_file"`
}

// Open builds the configured Persister. The returned close function
// releases backend resources and is never nil. wv is only used by the
// weaviate backend.
func Open(ctx context.Context, cfg Config, wv *weaviate.Client, logger *slog.Logger) (Persister, func() error, error) {
	noClose := func() error { return nil }

	switch cfg.Backend {
	case "", "none":
		return Noop{}, noClose, nil

	case "weaviate":
		if wv == nil {
			return nil, noClose, errors.New("weaviate persistence needs a weaviate client")
		}
		return NewWeaviatePersister(wv), noClose, nil

	case "badger":
		p, err := OpenBadger(BadgerConfig{Path: cfg.BadgerPath, Logger: logger})
		if err != nil {
			return nil, noClose, err
		}
		return p, p.Close, nil

	case "gcs":
		if cfg.GCSBucket == "" {
			return nil, noClose, errors.New("gcs persistence needs a bucket")
		}
		var opts []option.ClientOption
		if cfg.GCSCredentialsFile != "" {
			opts = append(opts, option.WithCredentialsFile(cfg.GCSCredentialsFile))
		}
		client, err := storage.NewClient(ctx, opts...)
		if err != nil {
			return nil, noClose, fmt.Errorf("create storage client: %w", err)
		}
		return NewGCSPersister(client, cfg.GCSBucket, cfg.GCSPrefix), client.Close, nil

	default:
		return nil, noClose, fmt.Errorf("unknown persistence backend %q", cfg.Backend)
	}
}
