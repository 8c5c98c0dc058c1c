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

package fetch

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
)

// buildTarball constructs an in-memory gzip tarball with one directory
// entry ("lib/") and one file entry ("lib/foo.txt").
func buildTarball(t *testing.T) []byte {
	t.Helper()
	var buf bytes.Buffer
	gzw := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gzw)

	if err := tw.WriteHeader(&tar.Header{Name: "lib/", Typeflag: tar.TypeDir, Mode: 0755}); err != nil {
		t.Fatalf("writing dir header: %v", err)
	}
	content := []byte("hello")
	if err := tw.WriteHeader(&tar.Header{Name: "lib/foo.txt", Typeflag: tar.TypeReg, Mode: 0644, Size: int64(len(content))}); err != nil {
		t.Fatalf("writing file header: %v", err)
	}
	if _, err := tw.Write(content); err != nil {
		t.Fatalf("writing file content: %v", err)
	}
	if err := tw.Close(); err != nil {
		t.Fatalf("closing tar writer: %v", err)
	}
	if err := gzw.Close(); err != nil {
		t.Fatalf("closing gzip writer: %v", err)
	}
	return buf.Bytes()
}

func newFixedResponseServer(t *testing.T, status int, body []byte) *httptest.Server {
	t.Helper()
	if status == 0 {
		status = http.StatusOK
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(status)
		w.Write(body)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestTarball(t *testing.T) {
	tarball := buildTarball(t)

	testCases := []struct {
		name            string
		httpStatus      int
		stripComponents int
		body            []byte
		wantFile        string
		wantError       bool
	}{
		{
			name:     "simple untar",
			body:     tarball,
			wantFile: "lib/foo.txt",
		},
		{
			name:            "strip components",
			body:            tarball,
			stripComponents: 1,
			wantFile:        "foo.txt",
		},
		{
			name:       "not found",
			httpStatus: http.StatusNotFound,
			wantError:  true,
		},
		{
			name:       "corrupt tar file",
			body:       []byte(`{"not": "a tarball"}`),
			httpStatus: http.StatusOK,
			wantError:  true,
		},
		{
			name:            "strip too many components",
			body:            tarball,
			stripComponents: 2,
			wantError:       true,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			server := newFixedResponseServer(t, tc.httpStatus, tc.body)

			dir := t.TempDir()
			err := Tarball(server.URL, dir, tc.stripComponents)
			if tc.wantError == (err == nil) {
				t.Fatalf("Tarball(%q, %q, %v) got error: %v, want error? %v", server.URL, dir, tc.stripComponents, err, tc.wantError)
			}

			if tc.wantFile != "" {
				fp := filepath.Join(dir, tc.wantFile)
				if _, err := os.Stat(fp); err != nil {
					t.Errorf("Failed to extract. Missing file: %s (%v)", fp, err)
				}
			}
		})
	}
}

func TestJSON(t *testing.T) {
	testCases := []struct {
		name       string
		httpStatus int
		response   string
		wantError  bool
		want       map[string]string
	}{
		{
			name:     "simple decode",
			response: `{"foo": "bar"}`,
			want:     map[string]string{"foo": "bar"},
		},
		{
			name:       "not found",
			httpStatus: http.StatusNotFound,
			wantError:  true,
		},
		{
			name:       "invalid json",
			response:   "foo bar",
			httpStatus: http.StatusOK,
			wantError:  true,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			server := newFixedResponseServer(t, tc.httpStatus, []byte(tc.response))

			var got map[string]string
			err := JSON(server.URL, &got)
			if tc.wantError == (err == nil) {
				t.Fatalf("JSON(%q, &got) got error: %v, want error? %v", server.URL, err, tc.wantError)
			}
			if !cmp.Equal(got, tc.want) {
				t.Errorf("JSON(%q, &got) = %v, want %v", server.URL, got, tc.want)
			}
		})
	}
}

func TestGetURL(t *testing.T) {
	testCases := []struct {
		name       string
		httpStatus int
		response   string
		wantError  bool
		want       string
	}{
		{
			name:     "simple copy",
			response: `foo, bar`,
			want:     `foo, bar`,
		},
		{
			name:       "not found",
			httpStatus: http.StatusNotFound,
			wantError:  true,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			server := newFixedResponseServer(t, tc.httpStatus, []byte(tc.response))

			var buf bytes.Buffer
			err := GetURL(server.URL, io.Writer(&buf))
			if tc.wantError == (err == nil) {
				t.Fatalf("GetURL(%q, buffer) got error: %v, want error? %v", server.URL, err, tc.wantError)
			}
			if tc.want != buf.String() {
				t.Errorf("GetURL(%q, buffer) = %v, want %v", server.URL, buf.String(), tc.want)
			}
		})
	}
}

func TestRepoArchiveURL(t *testing.T) {
	got := RepoArchiveURL("owner/widget", "abc123")
	want := "https://codeload.github.com/owner/widget/tar.gz/abc123"
	if got != want {
		t.Errorf("RepoArchiveURL() = %q, want %q", got, want)
	}
}

func TestImageExistsUnreachableRegistry(t *testing.T) {
	// A ref pointing at a registry that cannot be reached should report
	// "does not exist" rather than propagating a transport error: the image
	// builder treats both as "go ahead and build it".
	exists, err := ImageExists("localhost:1/does-not-exist/image:tag")
	if err != nil {
		t.Fatalf("ImageExists: got err=%v, want nil", err)
	}
	if exists {
		t.Error("ImageExists() = true, want false for an unreachable registry")
	}
}
