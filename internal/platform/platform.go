// Package platform reports facts about the host the daemon runs on.
package platform

import (
	"bufio"
	"io"
	"os"
	"os/exec"
	"runtime"
	"strings"
)

// Release identifies the host operating system.
type Release struct {
	OS      string // "ubuntu", "darwin", ...
	Version string
}

const osReleasePath = "/etc/os-release"

// HostRelease returns the host OS and version. Unknown parts are "unknown".
func HostRelease() Release {
	r := Release{OS: runtime.GOOS, Version: "unknown"}

	switch runtime.GOOS {
	case "linux":
		f, err := os.Open(osReleasePath)
		if err != nil {
			return r
		}
		defer f.Close()
		return parseOSRelease(f, r)
	case "darwin":
		out, err := exec.Command("sw_vers", "-productVersion").Output()
		if err == nil {
			r.OS = "macOS"
			r.Version = strings.TrimSpace(string(out))
		}
	}
	return r
}

// parseOSRelease reads ID and VERSION_ID from an os-release document.
func parseOSRelease(rd io.Reader, r Release) Release {
	s := bufio.NewScanner(rd)
	for s.Scan() {
		key, value, ok := strings.Cut(s.Text(), "=")
		if !ok {
			continue
		}
		value = strings.Trim(value, `"'`)
		switch key {
		case "ID":
			r.OS = value
		case "VERSION_ID":
			r.Version = value
		}
	}
	return r
}

// clamp fits a byte count into an int64.
func clamp(n uint64) int64 {
	if n > 1<<63-1 {
		return 1<<63 - 1
	}
	return int64(n)
}
