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
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// partSuffix marks in-progress downloads. The file is renamed into place
// only after verification succeeds.
const partSuffix = ".part"

// uniquePath resolves a collision-free destination inside dir for the
// offered filename: name.ext, then name (1).ext, name (2).ext, and so on.
// Only the base name of the offered filename is used, so a hostile sender
// cannot escape the download directory.
func uniquePath(dir, filename string) string {
	base := filepath.Base(filepath.Clean(filename))
	if base == "." || base == string(filepath.Separator) {
		base = "download"
	}

	ext := filepath.Ext(base)
	stem := strings.TrimSuffix(base, ext)

	candidate := filepath.Join(dir, base)
	for n := 1; exists(candidate) || exists(candidate+partSuffix); n++ {
		candidate = filepath.Join(dir, fmt.Sprintf("%s (%d)%s", stem, n, ext))
	}
	return candidate
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
