// Copyright (c) 2024 Lanpush Contributors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//	http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
package transfer

import (
	"os"
	"path/filepath"
	"testing"
)

func TestUniquePathCollisions(t *testing.T) {
	dir := t.TempDir()

	if got := uniquePath(dir, "report.pdf"); got != filepath.Join(dir, "report.pdf") {
		t.Errorf("first download should keep its name, got %s", got)
	}

	touch(t, filepath.Join(dir, "report.pdf"))
	if got := uniquePath(dir, "report.pdf"); got != filepath.Join(dir, "report (1).pdf") {
		t.Errorf("expected 'report (1).pdf', got %s", got)
	}

	touch(t, filepath.Join(dir, "report (1).pdf"))
	if got := uniquePath(dir, "report.pdf"); got != filepath.Join(dir, "report (2).pdf") {
		t.Errorf("expected 'report (2).pdf', got %s", got)
	}
}

func TestUniquePathAvoidsInFlightPartFiles(t *testing.T) {
	dir := t.TempDir()
	touch(t, filepath.Join(dir, "data.bin.part"))

	if got := uniquePath(dir, "data.bin"); got != filepath.Join(dir, "data (1).bin") {
		t.Errorf("in-flight .part must count as a collision, got %s", got)
	}
}

func TestUniquePathStripsDirectories(t *testing.T) {
	dir := t.TempDir()

	got := uniquePath(dir, "../../etc/passwd")
	if got != filepath.Join(dir, "passwd") {
		t.Errorf("path traversal not neutralized: %s", got)
	}

	if got := uniquePath(dir, "noext"); got != filepath.Join(dir, "noext") {
		t.Errorf("extensionless name mangled: %s", got)
	}
}

func touch(t *testing.T, path string) {
	t.Helper()
	if err := os.WriteFile(path, nil, 0644); err != nil {
		t.Fatal(err)
	}
}
