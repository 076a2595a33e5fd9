package image

import (
	"fmt"
	"runtime"

	"github.com/javanstorm/vmd/internal/memsize"
)

// Remotes served by the catalog host.
const (
	RemoteRelease   = "release"
	RemoteDaily     = "daily"
	RemoteSnapcraft = "snapcraft"
	RemoteDistros   = "distros"
)

const ubuntuBaseURL = "https://cloud-images.ubuntu.com"

// Entry is one image in the static catalog. The hash and version are filled
// in by a manifest update.
type Entry struct {
	// File is the image file name under URLPrefix.
	File      string
	URLPrefix string
	// SumsFile is the checksum file under URLPrefix. Empty when the image
	// is not published with sha256 sums.
	SumsFile     string
	Aliases      []string
	OS           string
	Release      string
	ReleaseTitle string
	MinSize      memsize.Size
}

// URL returns the image download URL.
func (e Entry) URL() string {
	return e.URLPrefix + e.File
}

// archNames maps GOARCH to the names image publishers use.
type archNames struct {
	debian string // amd64, arm64
	kernel string // x86_64, aarch64
}

func namesFor(goarch string) (archNames, bool) {
	switch goarch {
	case "amd64":
		return archNames{debian: "amd64", kernel: "x86_64"}, true
	case "arm64":
		return archNames{debian: "arm64", kernel: "aarch64"}, true
	}
	return archNames{}, false
}

type ubuntuRelease struct {
	version  string
	codename string
	title    string
	aliases  []string
}

var ubuntuReleases = []ubuntuRelease{
	{"24.04", "noble", "24.04 LTS", []string{"noble", "24.04", "lts", DefaultRelease}},
	{"22.04", "jammy", "22.04 LTS", []string{"jammy", "22.04"}},
	{"20.04", "focal", "20.04 LTS", []string{"focal", "20.04"}},
	{"16.04", "xenial", "16.04 LTS", []string{"xenial", "16.04"}},
}

// DefaultCatalog returns the built-in catalog for the host architecture.
func DefaultCatalog() map[string][]Entry {
	return CatalogFor(runtime.GOARCH)
}

// CatalogFor returns the built-in catalog for goarch, keyed by remote.
func CatalogFor(goarch string) map[string][]Entry {
	arch, ok := namesFor(goarch)
	if !ok {
		return map[string][]Entry{}
	}

	catalog := map[string][]Entry{}

	for _, r := range ubuntuReleases {
		catalog[RemoteRelease] = append(catalog[RemoteRelease], Entry{
			File:         fmt.Sprintf("%s-server-cloudimg-%s.img", r.codename, arch.debian),
			URLPrefix:    fmt.Sprintf("%s/releases/%s/release/", ubuntuBaseURL, r.codename),
			SumsFile:     "SHA256SUMS",
			Aliases:      r.aliases,
			OS:           "Ubuntu",
			Release:      r.version,
			ReleaseTitle: r.title,
			MinSize:      memsize.MustParse("3.5G"),
		})
		if r.codename == "xenial" {
			continue
		}
		catalog[RemoteDaily] = append(catalog[RemoteDaily], Entry{
			File:         fmt.Sprintf("%s-server-cloudimg-%s.img", r.codename, arch.debian),
			URLPrefix:    fmt.Sprintf("%s/daily/server/%s/current/", ubuntuBaseURL, r.codename),
			SumsFile:     "SHA256SUMS",
			Aliases:      r.aliases[:2],
			OS:           "Ubuntu",
			Release:      r.version,
			ReleaseTitle: r.title + " daily",
			MinSize:      memsize.MustParse("3.5G"),
		})
	}

	for _, c := range []struct {
		codename, core, version string
	}{
		{"focal", "core20", "20.04"},
		{"jammy", "core22", "22.04"},
		{"noble", "core24", "24.04"},
	} {
		catalog[RemoteSnapcraft] = append(catalog[RemoteSnapcraft], Entry{
			File:         fmt.Sprintf("%s-server-cloudimg-%s-disk.img", c.codename, arch.debian),
			URLPrefix:    fmt.Sprintf("%s/buildd/releases/%s/release/", ubuntuBaseURL, c.codename),
			SumsFile:     "SHA256SUMS",
			Aliases:      []string{c.core, c.version},
			Release:      "snapcraft-" + c.core,
			ReleaseTitle: "Snapcraft builder for " + c.core,
			MinSize:      memsize.MustParse("3.5G"),
		})
	}
	if goarch == "amd64" {
		catalog[RemoteSnapcraft] = append(catalog[RemoteSnapcraft], Entry{
			File:         "ubuntu-16.04-minimal-cloudimg-amd64-disk1.img",
			URLPrefix:    ubuntuBaseURL + "/minimal/releases/xenial/release/",
			SumsFile:     "SHA256SUMS",
			Aliases:      []string{"core", "16.04"},
			Release:      "snapcraft-core16",
			ReleaseTitle: "Snapcraft builder for Core 16",
			MinSize:      memsize.MustParse("2G"),
		})
	}

	catalog[RemoteDistros] = []Entry{
		{
			File:         fmt.Sprintf("debian-12-genericcloud-%s.qcow2", arch.debian),
			URLPrefix:    "https://cloud.debian.org/images/cloud/bookworm/latest/",
			Aliases:      []string{"debian", "bookworm", "debian-12"},
			OS:           "Debian",
			Release:      "12",
			ReleaseTitle: "Debian 12 (bookworm)",
			MinSize:      memsize.MustParse("2G"),
		},
		{
			File:         fmt.Sprintf("Rocky-9-GenericCloud-Base.latest.%s.qcow2", arch.kernel),
			URLPrefix:    fmt.Sprintf("https://dl.rockylinux.org/pub/rocky/9/images/%s/", arch.kernel),
			SumsFile:     "CHECKSUM",
			Aliases:      []string{"rocky", "rocky-9"},
			OS:           "Rocky Linux",
			Release:      "9",
			ReleaseTitle: "Rocky Linux 9",
			MinSize:      memsize.MustParse("10G"),
		},
		{
			File:         fmt.Sprintf("openSUSE-Leap-15.6-Minimal-VM.%s-Cloud.qcow2", arch.kernel),
			URLPrefix:    "https://download.opensuse.org/distribution/leap/15.6/appliances/",
			SumsFile:     fmt.Sprintf("openSUSE-Leap-15.6-Minimal-VM.%s-Cloud.qcow2.sha256", arch.kernel),
			Aliases:      []string{"opensuse", "leap", "leap-15.6"},
			OS:           "openSUSE",
			Release:      "15.6",
			ReleaseTitle: "openSUSE Leap 15.6",
			MinSize:      memsize.MustParse("1G"),
		},
	}
	if goarch == "amd64" {
		catalog[RemoteDistros] = append(catalog[RemoteDistros], Entry{
			File:         "Arch-Linux-x86_64-cloudimg.qcow2",
			URLPrefix:    "https://geo.mirror.pkgbuild.com/images/latest/",
			SumsFile:     "Arch-Linux-x86_64-cloudimg.qcow2.SHA256",
			Aliases:      []string{"arch", "archlinux"},
			OS:           "Arch Linux",
			Release:      "rolling",
			ReleaseTitle: "Arch Linux (rolling)",
			MinSize:      memsize.MustParse("2G"),
		})
	}

	return catalog
}
