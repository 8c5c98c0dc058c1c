// Copyright 2022 Google LLC
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

// Package fetch contains functions for downloading dataset and prediction
// content over HTTP, and for checking whether an image already exists in a
// registry namespace before the image builder attempts to build it.
package fetch

import (
	"archive/tar"
	"compress/gzip"
	"encoding/json"
	"fmt"
	"io"
	"io/ioutil"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/go-containerregistry/pkg/crane"
	"github.com/hashicorp/go-retryablehttp"

	"github.com/frame17/swebench-harness/pkg/harnesserror"
)

// harnessUserAgent identifies the harness process to remote HTTP servers.
const harnessUserAgent = "swebench-harness"

// Tarball downloads a gzip tarball from a URL and extracts it into dir.
func Tarball(url, dir string, stripComponents int) error {
	response, err := doGet(url)
	if err != nil {
		return err
	}
	defer response.Body.Close()
	return untar(dir, response.Body, stripComponents)
}

// File downloads a file from a URL and writes it to outPath.
func File(url, outPath string) error {
	out, err := os.Create(outPath)
	if err != nil {
		return err
	}
	defer out.Close()
	response, err := doGet(url)
	if err != nil {
		return err
	}
	defer response.Body.Close()
	_, err = io.Copy(out, response.Body)
	return err
}

// JSON fetches a JSON payload from a URL and unmarshals it into v; used to
// load a dataset or predictions file from a remote object store instead of
// local disk.
func JSON(url string, v interface{}) error {
	response, err := doGet(url)
	if err != nil {
		return err
	}
	defer response.Body.Close()
	body, err := ioutil.ReadAll(response.Body)
	if err != nil {
		return harnesserror.Errorf(harnesserror.StatusEngineError, "read_body", "reading response body from %q: %v", url, err)
	}
	if err := json.Unmarshal(body, v); err != nil {
		return harnesserror.Errorf(harnesserror.StatusParseError, "decode_json", "decoding response from %q: %v", url, err)
	}
	return nil
}

// GetURL makes an HTTP GET request to url and writes the body to f.
func GetURL(url string, f io.Writer) error {
	response, err := doGet(url)
	if err != nil {
		return err
	}
	defer response.Body.Close()

	if _, err = io.Copy(f, response.Body); err != nil {
		return harnesserror.Errorf(harnesserror.StatusEngineError, "copy_body", "copying response body: %v", err)
	}
	return nil
}

// RepoArchiveURL returns the GitHub codeload tarball URL for repo (in
// "owner/name" form) at commit — the same content a `git archive` at that
// revision would produce, fetchable without a git binary in the harness's
// own process.
func RepoArchiveURL(repo, commit string) string {
	return fmt.Sprintf("https://codeload.github.com/%s/tar.gz/%s", repo, commit)
}

// ImageExists reports whether ref already resolves to a digest in its
// registry, so the image builder can skip a build and reuse a
// previously-pushed image under the configured namespace.
func ImageExists(ref string) (bool, error) {
	if _, err := crane.Digest(ref); err != nil {
		return false, nil
	}
	return true, nil
}

// untar extracts a tarball from a reader and writes it to the given directory.
func untar(dir string, r io.Reader, stripComponents int) error {
	gzr, err := gzip.NewReader(r)
	if err != nil {
		return harnesserror.Errorf(harnesserror.StatusEngineError, "gzip_open", "creating gzip reader: %v", err)
	}
	defer gzr.Close()

	madeDir := map[string]bool{}
	tr := tar.NewReader(gzr)

	for {
		header, err := tr.Next()

		switch {
		case err == io.EOF:
			return nil
		case err != nil:
			return harnesserror.Errorf(harnesserror.StatusEngineError, "untar", "untaring file: %v", err)
		case header == nil:
			continue
		}

		target, err := tarDestination(header.Name, dir, header.Typeflag, stripComponents)
		if err != nil {
			return err
		}

		switch header.Typeflag {
		case tar.TypeDir:
			if _, err := os.Stat(target); err != nil {
				if err := os.Mkdir(target, os.FileMode(header.Mode)); err != nil {
					return harnesserror.Errorf(harnesserror.StatusEngineError, "mkdir", "creating directory %q: %v", target, err)
				}
				madeDir[target] = true
			}
		case tar.TypeReg, tar.TypeRegA:
			dir := filepath.Dir(target)
			if !madeDir[dir] {
				if err := os.MkdirAll(dir, 0755); err != nil {
					return harnesserror.Errorf(harnesserror.StatusEngineError, "mkdir", "creating directory %q: %v", target, err)
				}
				madeDir[dir] = true
			}

			f, err := os.OpenFile(target, os.O_CREATE|os.O_RDWR, os.FileMode(header.Mode))
			if err != nil {
				return harnesserror.Errorf(harnesserror.StatusEngineError, "open", "opening file %q: %v", target, err)
			}
			if _, err := io.Copy(f, tr); err != nil {
				return harnesserror.Errorf(harnesserror.StatusEngineError, "copy", "copying file %q: %v", target, err)
			}
			if err := f.Close(); err != nil {
				return harnesserror.Errorf(harnesserror.StatusEngineError, "close", "closing file %q: %v", target, err)
			}
		case tar.TypeSymlink:
			targetPath := filepath.Join(filepath.Dir(target), header.Linkname)
			if !isValidTarDestination(targetPath, dir, header.Typeflag) {
				return harnesserror.Errorf(harnesserror.StatusEngineError, "symlink_escape", "symlink %q -> %q traverses out of root", target, header.Linkname)
			}
			if err := os.Symlink(header.Linkname, target); err != nil {
				return harnesserror.Errorf(harnesserror.StatusEngineError, "symlink", "symlinking %q to %q: %v", target, header.Linkname, err)
			}
		case tar.TypeLink:
			link, err := tarDestination(header.Linkname, dir, header.Typeflag, stripComponents)
			if err != nil {
				return err
			}
			if err := os.Link(link, target); err != nil {
				return harnesserror.Errorf(harnesserror.StatusEngineError, "hardlink", "linking %q to %q: %v", target, link, err)
			}
		default:
			return harnesserror.Errorf(harnesserror.StatusEngineError, "unknown_entry", "invalid tar entry %v", header)
		}
	}
}

// tarDestination returns the filepath that a tar entry should be written to when extracted.
func tarDestination(tarPath, rootDir string, tarType byte, stripComponents int) (string, error) {
	rootDir = filepath.Clean(rootDir)
	path := filepath.Join(rootDir, filepath.Clean(tarPath))

	if stripComponents > 0 {
		drop := strings.Count(rootDir, string(filepath.Separator)) + stripComponents + 1
		parts := strings.Split(path, string(filepath.Separator))
		if drop >= len(parts) && tarType == tar.TypeDir {
			return rootDir, nil
		}
		if drop >= len(parts) {
			return "", harnesserror.Errorf(harnesserror.StatusEngineError, "strip_components", "stripped too many components (%v)", stripComponents)
		}
		path = filepath.Join(rootDir, filepath.Join(parts[drop:]...))
	}

	if isValidTarDestination(path, rootDir, tarType) {
		return path, nil
	}
	return "", harnesserror.Errorf(harnesserror.StatusEngineError, "tar_escape", "tar entry %q traverses out of root", tarPath)
}

// isValidTarDestination protects against a path traversal vulnerability by ensuring the final path
// is within the target directory.
func isValidTarDestination(dest, rootDir string, tarType byte) bool {
	destDir := dest
	if tarType != tar.TypeDir {
		destDir = filepath.Dir(dest)
	}
	return destDir == rootDir ||
		strings.HasPrefix(destDir, rootDir+string(filepath.Separator))
}

// doGet performs a retrying HTTP GET request for a URL.
func doGet(url string) (*http.Response, error) {
	retryClient := retryablehttp.NewClient()
	retryClient.RetryMax = 3
	req, err := http.NewRequest("GET", url, nil)
	if err != nil {
		return nil, harnesserror.Errorf(harnesserror.StatusEngineError, "new_request", "fetching %s: %v", url, err)
	}

	req.Header.Set("User-Agent", harnessUserAgent)

	response, err := retryClient.StandardClient().Do(req)
	if err != nil {
		return nil, harnesserror.Errorf(harnesserror.StatusEngineError, "do_request", "requesting %s: %v", url, err)
	}
	if response.StatusCode < http.StatusOK || response.StatusCode >= http.StatusMultipleChoices {
		defer response.Body.Close()
		return nil, harnesserror.Errorf(harnesserror.StatusEngineError, "bad_status", "fetching %s returned HTTP status: %d", url, response.StatusCode)
	}
	return response, err
}
