package cli

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/javanstorm/vmd/internal/daemon"
	"github.com/javanstorm/vmd/internal/store"
)

// parseNetwork parses a --network value: either a bare interface name or
// comma separated key=value pairs with keys name, mac and mode.
func parseNetwork(s string) (daemon.NetworkOption, error) {
	var opt daemon.NetworkOption
	if s == "" {
		return opt, fmt.Errorf("empty network specification")
	}
	if !strings.Contains(s, "=") {
		opt.ID = s
		return opt, nil
	}

	for _, field := range strings.Split(s, ",") {
		key, value, ok := strings.Cut(field, "=")
		if !ok {
			return opt, fmt.Errorf("invalid network field %q: want key=value", field)
		}
		switch strings.ToLower(strings.TrimSpace(key)) {
		case "name", "id":
			opt.ID = value
		case "mac":
			opt.MACAddress = value
		case "mode":
			opt.Mode = value
		default:
			return opt, fmt.Errorf("unknown network option %q in %q", key, s)
		}
	}
	if opt.ID == "" {
		return opt, fmt.Errorf("network specification %q has no name", s)
	}
	return opt, nil
}

// parseTarget splits instance[:path].
func parseTarget(s string) (daemon.MountTarget, error) {
	name, path, _ := strings.Cut(s, ":")
	if name == "" {
		return daemon.MountTarget{}, fmt.Errorf("invalid mount target %q: missing instance name", s)
	}
	return daemon.MountTarget{InstanceName: name, TargetPath: path}, nil
}

// parseIDMap parses host:instance.
func parseIDMap(s string) (host, instance int, err error) {
	h, i, ok := strings.Cut(s, ":")
	if !ok {
		return 0, 0, fmt.Errorf("invalid id mapping %q: want <host>:<instance>", s)
	}
	if host, err = strconv.Atoi(h); err != nil {
		return 0, 0, fmt.Errorf("invalid host id in %q", s)
	}
	if instance, err = strconv.Atoi(i); err != nil {
		return 0, 0, fmt.Errorf("invalid instance id in %q", s)
	}
	return host, instance, nil
}

func parseUIDMaps(specs []string) ([]store.UIDMapping, error) {
	var out []store.UIDMapping
	for _, s := range specs {
		h, i, err := parseIDMap(s)
		if err != nil {
			return nil, err
		}
		out = append(out, store.UIDMapping{HostUID: h, InstanceUID: i})
	}
	return out, nil
}

func parseGIDMaps(specs []string) ([]store.GIDMapping, error) {
	var out []store.GIDMapping
	for _, s := range specs {
		h, i, err := parseIDMap(s)
		if err != nil {
			return nil, err
		}
		out = append(out, store.GIDMapping{HostGID: h, InstanceGID: i})
	}
	return out, nil
}
