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

package imagebuilder

import (
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/frame17/swebench-harness/pkg/fetch"
)

// repoContext is the on-disk checkout of one (repo, commit) pair, used both
// as the real COPY source for the env/instance Dockerfiles and as the file
// list folded into their fingerprints.
type repoContext struct {
	dir   string
	files []string // absolute paths, sorted, relative-to-dir order preserved by sort
}

// checkoutRepo fetches repo at commit into a stable on-disk cache directory
// (reused across every instance that shares a repo+commit, e.g. a dataset's
// many bug-fix variants of the same base revision) and returns it along
// with its file list. A repo with no commit (the base level has none to
// check out) returns a nil context.
func checkoutRepo(repo, commit string) (*repoContext, error) {
	if repo == "" || commit == "" {
		return nil, nil
	}

	dir := filepath.Join(os.TempDir(), "swebench-checkouts", strings.ReplaceAll(repo, "/", "_")+"-"+commit)
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		tmp := dir + ".partial"
		os.RemoveAll(tmp)
		if err := os.MkdirAll(tmp, 0755); err != nil {
			return nil, fmt.Errorf("creating checkout dir for %s@%s: %w", repo, commit, err)
		}
		if err := fetch.Tarball(fetch.RepoArchiveURL(repo, commit), tmp, 1); err != nil {
			os.RemoveAll(tmp)
			return nil, fmt.Errorf("checking out %s@%s: %w", repo, commit, err)
		}
		if err := os.Rename(tmp, dir); err != nil {
			return nil, fmt.Errorf("finalizing checkout of %s@%s: %w", repo, commit, err)
		}
	} else if err != nil {
		return nil, fmt.Errorf("statting checkout dir for %s@%s: %w", repo, commit, err)
	}

	var files []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			files = append(files, path)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("listing checkout of %s@%s: %w", repo, commit, err)
	}
	sort.Strings(files)

	return &repoContext{dir: dir, files: files}, nil
}

// copyTree copies every regular file under src into dst, preserving the
// relative directory structure, so a Dockerfile's "COPY . ." in dst's build
// context sees the checked-out repo content.
func copyTree(src, dst string) error {
	return filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		if d.IsDir() {
			return os.MkdirAll(target, 0755)
		}
		return copyFile(path, target)
	})
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return err
	}
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()

	_, err = io.Copy(out, in)
	return err
}
