package image

import (
	"bufio"
	"bytes"
	"strings"
)

// hashFor finds the sha256 of file in a checksum listing. Both the GNU
// ("<hash>  <file>", "<hash> *<file>") and BSD ("SHA256 (<file>) = <hash>")
// layouts are understood.
func hashFor(sums []byte, file string) string {
	s := bufio.NewScanner(bytes.NewReader(sums))
	for s.Scan() {
		line := strings.TrimSpace(s.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		if rest, ok := strings.CutPrefix(line, "SHA256 ("); ok {
			name, hash, ok := strings.Cut(rest, ") = ")
			if ok && name == file {
				return strings.ToLower(hash)
			}
			continue
		}

		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		name := strings.TrimPrefix(fields[len(fields)-1], "*")
		if name == file && len(fields[0]) == 64 {
			return strings.ToLower(fields[0])
		}
	}
	return ""
}
