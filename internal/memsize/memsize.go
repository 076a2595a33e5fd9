// Package memsize parses and formats memory and disk sizes.
//
// Sizes accept a plain byte count ("5368709120") or a number with a unit
// suffix ("512M", "1G", "1.5GiB"). Unit suffixes are always binary, so "1G"
// and "1GiB" are both 1073741824 bytes.
package memsize

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"
)

// Common sizes.
const (
	KiB Size = 1 << (10 * (iota + 1))
	MiB
	GiB
	TiB
)

// ErrInvalidSize is returned for strings that are not a size.
var ErrInvalidSize = errors.New("memsize: invalid size")

// Size is a number of bytes. It is persisted as a decimal string.
type Size int64

var sizePattern = regexp.MustCompile(`^\s*([0-9]*\.?[0-9]+)\s*([kKmMgGtT])?(?:[iI]?[bB])?\s*$`)

// Parse converts s into a Size.
func Parse(s string) (Size, error) {
	m := sizePattern.FindStringSubmatch(s)
	if m == nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidSize, s)
	}

	if m[2] == "" {
		if strings.Contains(m[1], ".") {
			return 0, fmt.Errorf("%w: %q: fractional bytes", ErrInvalidSize, s)
		}
		n, err := strconv.ParseInt(m[1], 10, 64)
		if err != nil {
			return 0, fmt.Errorf("%w: %q: %v", ErrInvalidSize, s, err)
		}
		return Size(n), nil
	}

	n, err := humanize.ParseBytes(m[1] + " " + strings.ToUpper(m[2]) + "iB")
	if err != nil {
		return 0, fmt.Errorf("%w: %q: %v", ErrInvalidSize, s, err)
	}
	return Size(n), nil
}

// MustParse is like Parse but panics on error. Intended for constants.
func MustParse(s string) Size {
	size, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return size
}

// Bytes returns the size as an int64.
func (s Size) Bytes() int64 {
	return int64(s)
}

// String returns the decimal byte count, the form used on disk.
func (s Size) String() string {
	return strconv.FormatInt(int64(s), 10)
}

// Human returns the size in binary units, e.g. "5.0 GiB".
func (s Size) Human() string {
	if s < 0 {
		return "-" + humanize.IBytes(uint64(-s))
	}
	return humanize.IBytes(uint64(s))
}

// MarshalJSON encodes the size as a quoted decimal byte count.
func (s Size) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// UnmarshalJSON accepts either a quoted size or a bare number.
func (s *Size) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err == nil {
		if str == "" {
			*s = 0
			return nil
		}
		parsed, err := Parse(str)
		if err != nil {
			return err
		}
		*s = parsed
		return nil
	}

	var n int64
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("%w: %s", ErrInvalidSize, data)
	}
	*s = Size(n)
	return nil
}

// Max returns the larger of a and b.
func Max(a, b Size) Size {
	if a > b {
		return a
	}
	return b
}
