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

package modules

import (
	"debug/elf"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gvisor.dev/vmxctl/pkg/log"
)

// LibraryPathEnv names the search path variable.
const LibraryPathEnv = "VMM_LIBRARY_PATH"

// DefaultSearchPaths are searched when LibraryPathEnv is unset.
var DefaultSearchPaths = []string{"/usr/local/lib/vmm", "/usr/lib/vmm"}

// ErrNotFound is returned when a needed module is on no search path.
var ErrNotFound = errors.New("module not found")

// SearchPathsFromEnv returns the search paths from LibraryPathEnv, split on
// the platform's list separator, or DefaultSearchPaths.
func SearchPathsFromEnv() []string {
	v, ok := os.LookupEnv(LibraryPathEnv)
	if !ok || v == "" {
		return append([]string(nil), DefaultSearchPaths...)
	}
	var paths []string
	for _, p := range filepath.SplitList(v) {
		if p != "" {
			paths = append(paths, p)
		}
	}
	return paths
}

// ELFNeeded returns the DT_NEEDED entries of the ELF image at path.
func ELFNeeded(path string) ([]string, error) {
	f, err := elf.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return f.ImportedLibraries()
}

// Resolver builds module lists.
type Resolver struct {
	// SearchPaths are the directories searched, in order, for needed
	// modules.
	SearchPaths []string

	// Needed returns the names a module image depends on. It defaults to
	// ELFNeeded.
	Needed func(path string) ([]string, error)
}

// NewResolver returns a Resolver over SearchPathsFromEnv.
func NewResolver() *Resolver {
	return &Resolver{SearchPaths: SearchPathsFromEnv()}
}

func (r *Resolver) needed(path string) ([]string, error) {
	if r.Needed != nil {
		return r.Needed(path)
	}
	return ELFNeeded(path)
}

// Find locates a module by name. Names containing a path separator are
// used as is.
func (r *Resolver) Find(name string) (string, error) {
	if strings.ContainsRune(name, filepath.Separator) {
		if _, err := os.Stat(name); err != nil {
			return "", fmt.Errorf("%s: %w", name, ErrNotFound)
		}
		return name, nil
	}
	for _, dir := range r.SearchPaths {
		p := filepath.Join(dir, name)
		if st, err := os.Stat(p); err == nil && st.Mode().IsRegular() {
			return p, nil
		}
	}
	return "", fmt.Errorf("%s in %v: %w", name, r.SearchPaths, ErrNotFound)
}

// Resolve returns the image paths to load: every manifest entry in order,
// then, if root is not empty, root and every module it transitively needs.
// Paths are compared exactly. A needed name is skipped when a manifest
// entry has that file name or when it resolves to a path already listed.
func (r *Resolver) Resolve(manifest, root string) ([]string, error) {
	entries, err := ReadManifest(manifest)
	if err != nil {
		return nil, err
	}

	var list []string
	listed := make(map[string]bool)
	named := make(map[string]bool)
	for _, e := range entries {
		list = append(list, e.Path)
		listed[e.Path] = true
		named[filepath.Base(e.Path)] = true
	}
	if root == "" {
		return list, nil
	}

	rootPath, err := r.Find(root)
	if err != nil {
		return nil, err
	}
	if !listed[rootPath] {
		list = append(list, rootPath)
		listed[rootPath] = true
	}
	queue := []string{rootPath}
	for len(queue) > 0 {
		p := queue[0]
		queue = queue[1:]
		names, err := r.needed(p)
		if err != nil {
			return nil, fmt.Errorf("reading dependencies of %s: %w", p, err)
		}
		for _, name := range names {
			if named[name] {
				continue
			}
			dep, err := r.Find(name)
			if err != nil {
				return nil, fmt.Errorf("%s needs %w", p, err)
			}
			if listed[dep] {
				continue
			}
			log.Debugf("Module %s needs %s", filepath.Base(p), dep)
			list = append(list, dep)
			listed[dep] = true
			queue = append(queue, dep)
		}
	}
	return list, nil
}
