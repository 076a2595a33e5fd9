// Package image resolves image queries against catalog hosts and caches the
// resulting disk images for instances.
package image

import "strings"

// DefaultRelease is the alias used when no image is requested.
const DefaultRelease = "default"

// QueryType tells how a query's release is interpreted.
type QueryType int

const (
	// Alias names an image in a catalog host, optionally with a remote.
	Alias QueryType = iota
	// LocalFile is a file:// path on the host.
	LocalFile
	// HTTPDownload is an http(s):// URL of a disk image.
	HTTPDownload
)

// Query is a request for an image.
type Query struct {
	// Name is the instance the image is for.
	Name string
	// Release is an alias, a file path or a URL depending on Type.
	Release string
	// Remote is the catalog remote; "" means the default remote.
	Remote string
	Type   QueryType
}

// ParseQuery interprets "alias", "remote:alias", "file://path" and
// "http(s)://url". An empty string asks for the default image.
func ParseQuery(s string) Query {
	switch {
	case s == "":
		return Query{Release: DefaultRelease, Type: Alias}
	case strings.HasPrefix(s, "file://"):
		return Query{Release: strings.TrimPrefix(s, "file://"), Type: LocalFile}
	case strings.HasPrefix(s, "http://"), strings.HasPrefix(s, "https://"):
		return Query{Release: s, Type: HTTPDownload}
	}

	if i := strings.Index(s, ":"); i >= 0 {
		return Query{Remote: s[:i], Release: s[i+1:], Type: Alias}
	}
	return Query{Release: s, Type: Alias}
}

// String renders q the way a user would type it.
func (q Query) String() string {
	switch q.Type {
	case LocalFile:
		return "file://" + q.Release
	case HTTPDownload:
		return q.Release
	}
	if q.Remote == "" {
		return q.Release
	}
	return q.Remote + ":" + q.Release
}

// ResolvedRemote returns the remote a catalog lookup should use.
func (q Query) ResolvedRemote() string {
	if q.Remote == "" {
		return RemoteRelease
	}
	return q.Remote
}
