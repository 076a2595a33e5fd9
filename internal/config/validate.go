package config

import (
	"fmt"
	"net"
	"path/filepath"
	"strings"
	"time"

	"github.com/javanstorm/vmd/pkg/hypervisor"
)

// ValidationError represents a configuration issue.
type ValidationError struct {
	Field   string
	Message string
	Fatal   bool // true = can't proceed, false = warning only
}

// ValidateConfig checks the configuration against the platform.
func ValidateConfig(c *Config) []ValidationError {
	var errs []ValidationError

	if !hypervisor.IsDriverSupported(c.Driver) {
		errs = append(errs, ValidationError{
			Field:   "driver",
			Message: fmt.Sprintf("driver %q is not supported on this platform", c.Driver),
			Fatal:   true,
		})
	}

	if _, _, err := net.SplitHostPort(c.Address); err != nil {
		errs = append(errs, ValidationError{
			Field:   "address",
			Message: fmt.Sprintf("invalid listen address %q: %v", c.Address, err),
			Fatal:   true,
		})
	}

	for _, d := range []struct{ field, dir string }{
		{"data_dir", c.DataDir},
		{"cache_dir", c.CacheDir},
	} {
		if d.dir == "" {
			errs = append(errs, ValidationError{Field: d.field, Message: "directory is required", Fatal: true})
		} else if !filepath.IsAbs(d.dir) {
			errs = append(errs, ValidationError{
				Field:   d.field,
				Message: fmt.Sprintf("%q is relative; it resolves against the daemon's working directory", d.dir),
			})
		}
	}

	switch strings.ToLower(c.LogFormat) {
	case "text", "json":
	default:
		errs = append(errs, ValidationError{
			Field:   "log_format",
			Message: fmt.Sprintf("unknown log format %q, using text", c.LogFormat),
		})
	}

	for _, ttl := range []struct {
		field string
		value time.Duration
	}{
		{"workflows_ttl", c.WorkflowsTTL},
		{"image_manifest_ttl", c.ImageManifestTTL},
		{"request_timeout", c.RequestTimeout},
	} {
		if ttl.value < 0 {
			errs = append(errs, ValidationError{Field: ttl.field, Message: "must not be negative", Fatal: true})
		}
	}

	return errs
}

// HasFatal reports whether any error is fatal.
func HasFatal(errs []ValidationError) bool {
	for _, e := range errs {
		if e.Fatal {
			return true
		}
	}
	return false
}

// FormatValidationErrors returns human-readable error summary.
func FormatValidationErrors(errs []ValidationError) string {
	if len(errs) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("Configuration warnings:\n")
	for _, e := range errs {
		prefix := "Warning"
		if e.Fatal {
			prefix = "Error"
		}
		fmt.Fprintf(&b, "  %s [%s]: %s\n", prefix, e.Field, e.Message)
	}
	return b.String()
}
