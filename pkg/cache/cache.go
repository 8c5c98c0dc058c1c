// Copyright 2020 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package cache implements content-addressed fingerprinting for the image
// builder's three-level build graph. A fingerprint is a stable sha256 hash
// over a node's parent key, its Dockerfile contents, any files the
// Dockerfile references (build context), and its build arguments; two
// nodes with the same fingerprint are guaranteed to produce the same
// image, so the builder can use the fingerprint as its cache key.
package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io/ioutil"
	"sort"
)

// Option is a function that returns strings to be hashed when computing a
// fingerprint.
type Option func() ([]string, error)

// WithStrings returns a fingerprint option for literal string values.
func WithStrings(strings ...string) Option {
	return func() ([]string, error) {
		return strings, nil
	}
}

// WithFiles returns a fingerprint option that hashes the contents of the
// named files. A missing file is an error, not a silent skip: an
// unreadable build-context file means the fingerprint cannot be trusted.
func WithFiles(files ...string) Option {
	return func() ([]string, error) {
		var strings []string
		for _, f := range files {
			b, err := ioutil.ReadFile(f)
			if err != nil {
				return nil, err
			}
			strings = append(strings, string(b))
		}
		return strings, nil
	}
}

// WithBuildArgs returns a fingerprint option for a build-argument map. Keys
// are sorted before hashing so the option is order-independent.
func WithBuildArgs(args map[string]string) Option {
	return func() ([]string, error) {
		keys := make([]string, 0, len(args))
		for k := range args {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		strings := make([]string, 0, len(keys))
		for _, k := range keys {
			strings = append(strings, k+"="+args[k])
		}
		return strings, nil
	}
}

// Fingerprint computes a sha256 hash over parentKey and the strings
// produced by opts, in order. parentKey is the fingerprint of the image
// this node builds on top of ("" for a base-level node with no parent),
// so changing any ancestor's recipe invalidates every descendant's
// fingerprint too.
func Fingerprint(parentKey string, opts ...Option) (string, error) {
	h := sha256.New()
	h.Write([]byte(parentKey))

	for _, opt := range opts {
		strings, err := opt()
		if err != nil {
			return "", fmt.Errorf("computing fingerprint: %w", err)
		}
		for _, s := range strings {
			h.Write([]byte(s))
		}
	}

	return hex.EncodeToString(h.Sum(nil)), nil
}
