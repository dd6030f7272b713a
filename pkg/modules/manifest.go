// Copyright 2024 The gVisor Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package modules resolves the list of VMM module images to load.
//
// The list starts with a manifest, a JSON object mapping module names to
// image paths in load order. A root image may be added on top; the shared
// objects it needs, and the ones they need, are located across a search
// path and appended after it.
package modules

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
)

// Entry is one manifest line.
type Entry struct {
	Name string
	Path string
}

// ReadManifest reads the manifest at path. A missing manifest is an empty
// one.
func ReadManifest(path string) ([]Entry, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading manifest: %w", err)
	}
	entries, err := ParseManifest(data)
	if err != nil {
		return nil, fmt.Errorf("manifest %s: %w", path, err)
	}
	return entries, nil
}

// ParseManifest parses a manifest, keeping entries in the order they are
// written.
func ParseManifest(data []byte) ([]Entry, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	tok, err := dec.Token()
	if err != nil {
		return nil, fmt.Errorf("parsing manifest: %w", err)
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return nil, fmt.Errorf("parsing manifest: want an object, got %v", tok)
	}

	var entries []Entry
	seen := make(map[string]bool)
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return nil, fmt.Errorf("parsing manifest: %w", err)
		}
		name := tok.(string) // Object keys are always strings.
		var path string
		if err := dec.Decode(&path); err != nil {
			return nil, fmt.Errorf("parsing manifest: module %q: %w", name, err)
		}
		if path == "" {
			return nil, fmt.Errorf("parsing manifest: module %q has no path", name)
		}
		if seen[name] {
			return nil, fmt.Errorf("parsing manifest: module %q listed twice", name)
		}
		seen[name] = true
		entries = append(entries, Entry{Name: name, Path: path})
	}
	if _, err := dec.Token(); err != nil {
		return nil, fmt.Errorf("parsing manifest: %w", err)
	}
	if _, err := dec.Token(); err != io.EOF {
		return nil, fmt.Errorf("parsing manifest: trailing data after object")
	}
	return entries, nil
}
