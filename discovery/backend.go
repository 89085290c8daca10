package discovery

import (
	"net"
	"sort"
	"strconv"
	"strings"

	"github.com/grandcat/zeroconf"
)

// Backend is one advertised chat backend endpoint.
type Backend struct {
	Instance  string
	HostName  string
	Port      int
	Addresses []string
	Path      string
	TLS       bool
}

// URL returns the REST base URL of the backend.
func (b Backend) URL() string {
	host := strings.TrimSuffix(b.HostName, ".")
	if len(b.Addresses) > 0 {
		host = b.Addresses[0]
	}

	scheme := "http"
	if b.TLS {
		scheme = "https"
	}
	return scheme + "://" + net.JoinHostPort(host, strconv.Itoa(b.Port)) + b.Path
}

func parseEntry(entry *zeroconf.ServiceEntry) (Backend, bool) {
	if entry == nil || entry.Port <= 0 {
		return Backend{}, false
	}
	txt := txtToMap(entry.Text)

	// IPv4 first so URL prefers it.
	addresses := make([]string, 0, len(entry.AddrIPv4)+len(entry.AddrIPv6))
	seen := make(map[string]struct{})
	for _, group := range [][]net.IP{entry.AddrIPv4, entry.AddrIPv6} {
		var batch []string
		for _, ip := range group {
			if ip == nil {
				continue
			}
			raw := ip.String()
			if _, exists := seen[raw]; exists {
				continue
			}
			seen[raw] = struct{}{}
			batch = append(batch, raw)
		}
		sort.Strings(batch)
		addresses = append(addresses, batch...)
	}

	if len(addresses) == 0 && strings.TrimSpace(entry.HostName) == "" {
		return Backend{}, false
	}

	path := strings.TrimSpace(txt["path"])
	if path != "" && !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	path = strings.TrimSuffix(path, "/")

	tls, _ := strconv.ParseBool(txt["tls"])

	return Backend{
		Instance:  strings.TrimSpace(entry.Instance),
		HostName:  entry.HostName,
		Port:      entry.Port,
		Addresses: addresses,
		Path:      path,
		TLS:       tls,
	}, true
}

func txtToMap(text []string) map[string]string {
	out := make(map[string]string, len(text))
	for _, entry := range text {
		parts := strings.SplitN(entry, "=", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.TrimSpace(parts[0])
		if key == "" {
			continue
		}
		out[key] = strings.TrimSpace(parts[1])
	}
	return out
}
