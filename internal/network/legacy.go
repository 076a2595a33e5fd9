package network

// legacyReleases predate netplan and cannot configure extra interfaces.
var legacyReleases = map[string]bool{
	"10.04": true, "lucid": true,
	"11.10": true, "oneiric": true,
	"12.04": true, "precise": true,
	"12.10": true, "quantal": true,
	"13.04": true, "raring": true,
	"13.10": true, "saucy": true,
	"14.04": true, "trusty": true,
	"14.10": true, "utopic": true,
	"15.04": true, "vivid": true,
	"15.10": true, "wily": true,
	"16.04": true, "xenial": true,
	"16.10": true, "yakkety": true,
	"17.04": true, "zesty": true,
}

// IsLegacyImage reports whether remote:release names an image whose
// cloud-init cannot apply automatic network configuration.
func IsLegacyImage(remote, release string) bool {
	switch remote {
	case "", "release":
		return legacyReleases[release]
	case "snapcraft":
		return release == "core"
	}
	return false
}
