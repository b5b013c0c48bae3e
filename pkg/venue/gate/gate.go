/*
Copyright 2025 Google LLC

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package gate decides whether a request comes from the venue's local
// network.
package gate

import (
	"net"
	"net/http"
	"net/netip"
	"strings"

	"github.com/golang/glog"
	"github.com/pkg/errors"

	"github.com/wamimi/proof-of-venue-presence/pkg/venue/apierror"
)

// DefaultLocalPrefixes are the loopback and RFC 1918 ranges treated as local.
var DefaultLocalPrefixes = []netip.Prefix{
	netip.MustParsePrefix("127.0.0.0/8"),
	netip.MustParsePrefix("10.0.0.0/8"),
	netip.MustParsePrefix("172.16.0.0/12"),
	netip.MustParsePrefix("192.168.0.0/16"),
	netip.MustParsePrefix("::1/128"),
}

// ErrNotLocal is returned by Check for origins outside the local network.
var ErrNotLocal = apierror.New(apierror.AccessDenied, "Access denied. Must be connected to venue WiFi.")

// Gate classifies request origins. It holds no mutable state.
type Gate struct {
	local   []netip.Prefix
	trusted []netip.Prefix
}

// Default returns a Gate with the default rule set and no trusted proxies.
func Default() *Gate {
	return &Gate{local: DefaultLocalPrefixes}
}

// New returns a Gate that also accepts extraLocal CIDRs and honors
// X-Forwarded-For from peers in trustedProxies.
func New(extraLocal, trustedProxies []string) (*Gate, error) {
	extra, err := ParsePrefixes(extraLocal)
	if err != nil {
		return nil, errors.Wrap(err, "invalid local CIDR")
	}
	trusted, err := ParsePrefixes(trustedProxies)
	if err != nil {
		return nil, errors.Wrap(err, "invalid trusted proxy CIDR")
	}
	local := append(append([]netip.Prefix{}, DefaultLocalPrefixes...), extra...)
	return &Gate{local: local, trusted: trusted}, nil
}

// ParsePrefixes parses CIDRs, accepting bare addresses as single host
// prefixes.
func ParsePrefixes(cidrs []string) ([]netip.Prefix, error) {
	var out []netip.Prefix
	for _, c := range cidrs {
		c = strings.TrimSpace(c)
		if c == "" {
			continue
		}
		if !strings.Contains(c, "/") {
			addr, err := netip.ParseAddr(c)
			if err != nil {
				return nil, err
			}
			addr = addr.Unmap()
			out = append(out, netip.PrefixFrom(addr, addr.BitLen()))
			continue
		}
		p, err := netip.ParsePrefix(c)
		if err != nil {
			return nil, err
		}
		if p.Addr().Is4In6() {
			p = netip.PrefixFrom(p.Addr().Unmap(), p.Bits()-96)
		}
		out = append(out, p.Masked())
	}
	return out, nil
}

// ParseAddr parses a RemoteAddr style host:port or a bare address. IPv4
// mapped IPv6 addresses are unmapped and zones dropped.
func ParseAddr(s string) (netip.Addr, error) {
	s = strings.TrimSpace(s)
	if host, _, err := net.SplitHostPort(s); err == nil {
		s = host
	}
	s = strings.TrimSuffix(strings.TrimPrefix(s, "["), "]")
	addr, err := netip.ParseAddr(s)
	if err != nil {
		return netip.Addr{}, err
	}
	return addr.Unmap().WithZone(""), nil
}

func contains(prefixes []netip.Prefix, addr netip.Addr) bool {
	for _, p := range prefixes {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

// IsLocal reports whether addr (host:port or bare address) is in the local
// rule set. Unparseable addresses are not local.
func (g *Gate) IsLocal(addr string) bool {
	a, err := ParseAddr(addr)
	if err != nil {
		return false
	}
	return contains(g.local, a)
}

// Origin returns the client address of r. X-Forwarded-For is used only when
// the direct peer is a trusted proxy, in which case the right-most hop that
// is not itself a trusted proxy is the client.
func (g *Gate) Origin(r *http.Request) (netip.Addr, error) {
	peer, err := ParseAddr(r.RemoteAddr)
	if err != nil {
		return netip.Addr{}, errors.Wrapf(err, "unparseable remote address %q", r.RemoteAddr)
	}
	if len(g.trusted) == 0 || !contains(g.trusted, peer) {
		return peer, nil
	}

	var hops []string
	for _, h := range r.Header.Values("X-Forwarded-For") {
		hops = append(hops, strings.Split(h, ",")...)
	}
	client := peer
	for i := len(hops) - 1; i >= 0; i-- {
		hop, err := ParseAddr(hops[i])
		if err != nil {
			// A malformed hop ends the trusted chain.
			break
		}
		client = hop
		if !contains(g.trusted, hop) {
			break
		}
	}
	return client, nil
}

// Check returns the origin of r if it is local, and ErrNotLocal otherwise.
func (g *Gate) Check(r *http.Request) (string, error) {
	origin, err := g.Origin(r)
	if err != nil {
		glog.Warningf("rejecting request with %v", err)
		return "", apierror.Wrap(err, apierror.AccessDenied, ErrNotLocal.Message)
	}
	if !contains(g.local, origin) {
		glog.Warningf("rejecting request from non-local origin %s", origin)
		return origin.String(), ErrNotLocal
	}
	return origin.String(), nil
}
