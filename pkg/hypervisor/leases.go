package hypervisor

import (
	"bufio"
	"strings"
)

// leaseIPFor scans a bootpd lease file for the entry whose hw_address
// matches mac. bootpd strips leading zeros from each octet.
func leaseIPFor(s *bufio.Scanner, mac string) string {
	want := trimMACZeros(mac)
	var ip string
	for s.Scan() {
		line := strings.TrimSpace(s.Text())
		switch {
		case line == "{":
			ip = ""
		case strings.HasPrefix(line, "ip_address="):
			ip = strings.TrimPrefix(line, "ip_address=")
		case strings.HasPrefix(line, "hw_address="):
			hw := strings.TrimPrefix(line, "hw_address=")
			if i := strings.Index(hw, ","); i >= 0 {
				hw = hw[i+1:]
			}
			if strings.EqualFold(hw, want) && ip != "" {
				return ip
			}
		}
	}
	return ""
}

func trimMACZeros(mac string) string {
	parts := strings.Split(mac, ":")
	for i, p := range parts {
		p = strings.TrimLeft(p, "0")
		if p == "" {
			p = "0"
		}
		parts[i] = p
	}
	return strings.Join(parts, ":")
}
