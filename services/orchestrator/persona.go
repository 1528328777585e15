// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package orchestrator

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// DefaultPersona is the system prompt used when no persona is configured.
const DefaultPersona = `Ti si ljubazni asistent na veb sajtu kompanije Positive.
Odgovaraj kratko i jasno, na jeziku na kom je pitanje postavljeno.
Kada koristiš dostavljeni kontekst, oslanjaj se samo na njega i ne izmišljaj podatke.
Kada korisnik pokaže interesovanje za saradnju, predloži mu da zakaže sastanak sa timom.`

// PersonaConfig names the persona source. File wins over Prompt.
type PersonaConfig struct {
	Prompt string `yaml:"prompt"`
	File   string `yaml:"file"`
}

// Persona holds the current system prompt.
//
// # Description
//
// When backed by a file, Watch reloads it on every write so that new
// sessions pick up the new text. Existing sessions keep the system turn
// they were created with. A reload that fails or yields blank text keeps
// the previous prompt.
//
// # Thread Safety
//
// Safe for concurrent use.
type Persona struct {
	mu   sync.RWMutex
	text string

	path     string
	watcher  *fsnotify.Watcher
	done     chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once
	logger   *slog.Logger
}

// NewPersona loads the persona described by cfg.
//
// # Outputs
//
//   - *Persona: Ready to use.
//   - error: Non-nil when cfg.File is set but cannot be read or is blank.
func NewPersona(cfg PersonaConfig, logger *slog.Logger) (*Persona, error) {
	if logger == nil {
		logger = slog.Default()
	}
	p := &Persona{logger: logger, done: make(chan struct{})}

	if cfg.File == "" {
		p.text = strings.TrimSpace(cfg.Prompt)
		if p.text == "" {
			p.text = DefaultPersona
		}
		return p, nil
	}

	abs, err := filepath.Abs(cfg.File)
	if err != nil {
		return nil, fmt.Errorf("persona file: %w", err)
	}
	p.path = abs
	text, err := readPersona(abs)
	if err != nil {
		return nil, err
	}
	p.text = text
	return p, nil
}

// Prompt returns the current persona text.
func (p *Persona) Prompt() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.text
}

// Watch starts reloading the persona file on change. It is a no-op for
// an inline persona.
func (p *Persona) Watch() error {
	if p.path == "" {
		return nil
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("persona watcher: %w", err)
	}
	// Editors replace files by rename, so the directory is watched.
	if err := w.Add(filepath.Dir(p.path)); err != nil {
		_ = w.Close()
		return fmt.Errorf("watch %s: %w", filepath.Dir(p.path), err)
	}
	p.watcher = w

	p.wg.Add(1)
	go p.loop()
	p.logger.Info("Watching persona file", "path", p.path)
	return nil
}

// Stop ends the watch loop. Safe to call multiple times.
func (p *Persona) Stop() {
	p.stopOnce.Do(func() {
		close(p.done)
		if p.watcher != nil {
			_ = p.watcher.Close()
		}
		p.wg.Wait()
	})
}

func (p *Persona) loop() {
	defer p.wg.Done()
	for {
		select {
		case <-p.done:
			return
		case ev, ok := <-p.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != p.path {
				continue
			}
			if ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create) {
				p.reload()
			}
		case err, ok := <-p.watcher.Errors:
			if !ok {
				return
			}
			p.logger.Warn("Persona watcher error", "error", err)
		}
	}
}

func (p *Persona) reload() {
	text, err := readPersona(p.path)
	if err != nil {
		p.logger.Warn("Persona reload failed, keeping the previous text", "path", p.path, "error", err)
		return
	}
	p.mu.Lock()
	changed := text != p.text
	p.text = text
	p.mu.Unlock()
	if changed {
		p.logger.Info("Persona reloaded", "path", p.path, "bytes", len(text))
	}
}

var errBlankPersona = errors.New("persona file is blank")

func readPersona(path string) (string, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read persona: %w", err)
	}
	text := strings.TrimSpace(string(b))
	if text == "" {
		return "", fmt.Errorf("%s: %w", path, errBlankPersona)
	}
	return text, nil
}
