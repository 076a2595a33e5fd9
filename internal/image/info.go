package image

import "github.com/javanstorm/vmd/internal/memsize"

// Info describes one image offered by a host.
type Info struct {
	Aliases      []string `json:"aliases"`
	OS           string   `json:"os"`
	Release      string   `json:"release"`
	ReleaseTitle string   `json:"release_title"`
	Supported    bool     `json:"supported"`
	// Location is the download URL.
	Location string `json:"location"`
	// ID is the sha256 of the image file, or of its URL when the host
	// publishes no checksum.
	ID string `json:"id"`
	// Version is the image build date, yyyymmdd.
	Version string `json:"version"`
	// MinSize is the smallest disk an instance of this image can have.
	MinSize memsize.Size `json:"min_size"`
	// Verified is set when ID is a checksum of the file contents.
	Verified bool `json:"verified"`
}

// HasAlias reports whether alias names this image.
func (i Info) HasAlias(alias string) bool {
	for _, a := range i.Aliases {
		if a == alias {
			return true
		}
	}
	return false
}
