package image

import (
	"errors"
	"fmt"
)

var (
	ErrImageNotFound  = errors.New("image: no image matches the query")
	ErrNoInstance     = errors.New("image: no image recorded for instance")
	ErrChecksum       = errors.New("image: checksum mismatch")
	ErrFileNotFound   = errors.New("image: custom image file not found")
	ErrManifestFailed = errors.New("image: manifest update failed")
)

// UnsupportedRemoteError is returned for remotes no host serves.
type UnsupportedRemoteError struct {
	Remote string
}

func (e *UnsupportedRemoteError) Error() string {
	return fmt.Sprintf("Remote %q is unknown or unreachable.", e.Remote)
}
