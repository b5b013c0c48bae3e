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

package gate

import (
	"net/http/httptest"
	"testing"

	"github.com/pkg/errors"

	"github.com/wamimi/proof-of-venue-presence/pkg/venue/apierror"
)

func TestIsLocal(t *testing.T) {
	g := Default()
	tcs := []struct {
		name     string
		addr     string
		expected bool
	}{
		{name: "loopback", addr: "127.0.0.1", expected: true},
		{name: "loopback range", addr: "127.5.6.7:4000", expected: true},
		{name: "ten net", addr: "10.20.30.40:51234", expected: true},
		{name: "172.16 low", addr: "172.16.0.1", expected: true},
		{name: "172.31 high", addr: "172.31.255.254", expected: true},
		{name: "172.32 outside", addr: "172.32.0.1", expected: false},
		{name: "172.15 outside", addr: "172.15.255.255", expected: false},
		{name: "192.168", addr: "192.168.1.100:80", expected: true},
		{name: "192.169 outside", addr: "192.169.0.1", expected: false},
		{name: "ipv6 loopback", addr: "[::1]:3002", expected: true},
		{name: "ipv6 loopback bare", addr: "::1", expected: true},
		{name: "mapped loopback", addr: "[::ffff:127.0.0.1]:3002", expected: true},
		{name: "mapped private", addr: "::ffff:192.168.0.9", expected: true},
		{name: "mapped public", addr: "::ffff:8.8.8.8", expected: false},
		{name: "public v4", addr: "8.8.8.8:53", expected: false},
		{name: "public v6", addr: "[2001:4860:4860::8888]:443", expected: false},
		{name: "link local v6", addr: "fe80::1%eth0", expected: false},
		{name: "garbage", addr: "not-an-ip", expected: false},
		{name: "empty", addr: "", expected: false},
	}
	for _, tc := range tcs {
		t.Run(tc.name, func(t *testing.T) {
			if got := g.IsLocal(tc.addr); got != tc.expected {
				t.Errorf("IsLocal(%q) = %t, expected %t", tc.addr, got, tc.expected)
			}
		})
	}
}

func TestExtraLocal(t *testing.T) {
	g, err := New([]string{"100.64.0.0/10", "203.0.113.7"}, nil)
	if err != nil {
		t.Fatal(err)
	}
	for addr, expected := range map[string]bool{
		"100.100.1.1":  true,
		"203.0.113.7":  true,
		"203.0.113.8":  false,
		"192.168.0.10": true,
	} {
		if got := g.IsLocal(addr); got != expected {
			t.Errorf("IsLocal(%q) = %t, expected %t", addr, got, expected)
		}
	}
	if _, err := New([]string{"300.0.0.0/8"}, nil); err == nil {
		t.Error("New() accepted an invalid CIDR")
	}
	if _, err := New(nil, []string{"nope"}); err == nil {
		t.Error("New() accepted an invalid proxy")
	}
}

func TestCheck(t *testing.T) {
	proxied, err := New(nil, []string{"10.0.0.1"})
	if err != nil {
		t.Fatal(err)
	}
	tcs := []struct {
		name     string
		gate     *Gate
		remote   string
		xff      string
		origin   string
		rejected bool
	}{
		{name: "local direct", gate: Default(), remote: "127.0.0.1:5555", origin: "127.0.0.1"},
		{name: "public direct", gate: Default(), remote: "8.8.8.8:5555", origin: "8.8.8.8", rejected: true},
		{name: "forwarded header ignored without trusted proxy", gate: Default(), remote: "8.8.8.8:5555", xff: "127.0.0.1", origin: "8.8.8.8", rejected: true},
		{name: "spoofed header from local peer ignored", gate: Default(), remote: "192.168.1.5:1", xff: "8.8.8.8", origin: "192.168.1.5"},
		{name: "trusted proxy forwards public client", gate: proxied, remote: "10.0.0.1:80", xff: "192.168.4.4, 8.8.4.4", origin: "8.8.4.4", rejected: true},
		{name: "trusted proxy forwards local client", gate: proxied, remote: "10.0.0.1:80", xff: "8.8.4.4, 192.168.4.4", origin: "192.168.4.4"},
		{name: "trusted proxy without header", gate: proxied, remote: "10.0.0.1:80", origin: "10.0.0.1"},
		{name: "malformed remote", gate: Default(), remote: "???", rejected: true},
	}
	for _, tc := range tcs {
		t.Run(tc.name, func(t *testing.T) {
			r := httptest.NewRequest("POST", "/api/issue-nonce", nil)
			r.RemoteAddr = tc.remote
			if tc.xff != "" {
				r.Header.Set("X-Forwarded-For", tc.xff)
			}
			origin, err := tc.gate.Check(r)
			if tc.rejected {
				if apierror.KindOf(err) != apierror.AccessDenied {
					t.Fatalf("Check() = %v, expected AccessDenied", err)
				}
			} else if err != nil {
				t.Fatalf("Check() = %v, expected nil", err)
			}
			if origin != tc.origin {
				t.Errorf("Check() origin = %q, expected %q", origin, tc.origin)
			}
		})
	}
}

func TestErrNotLocal(t *testing.T) {
	r := httptest.NewRequest("POST", "/api/issue-nonce", nil)
	r.RemoteAddr = "1.1.1.1:1"
	_, err := Default().Check(r)
	if !errors.Is(err, ErrNotLocal) {
		t.Errorf("Check() = %v, expected ErrNotLocal", err)
	}
}
