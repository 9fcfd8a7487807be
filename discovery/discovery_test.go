// Copyright 2018-2022 the u-root Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package discovery

import "testing"

func TestParseURIDefaults(t *testing.T) {
	q, err := ParseURI(DefaultURI)
	if err != nil {
		t.Fatal(err)
	}
	if q.Type != defaultServiceType {
		t.Errorf("got type %q, want %q", q.Type, defaultServiceType)
	}
	if q.Domain != "local" {
		t.Errorf("got domain %q, want local", q.Domain)
	}
}

func TestParseURIWithQuery(t *testing.T) {
	q, err := ParseURI("dnssd://corp/_arc._tcp?arch=arm64")
	if err != nil {
		t.Fatal(err)
	}
	if q.Domain != "corp" {
		t.Errorf("got domain %q, want corp", q.Domain)
	}
	if q.Type != "_arc._tcp" {
		t.Errorf("got type %q, want _arc._tcp", q.Type)
	}
	if got := q.Text["arch"]; len(got) != 1 || got[0] != "arm64" {
		t.Errorf("got arch %v, want [arm64]", got)
	}
}

func TestParseURIRejectsOtherScheme(t *testing.T) {
	if _, err := ParseURI("http://example.com"); err == nil {
		t.Fatal("expected rejection of a non-dnssd scheme")
	}
}

func TestMatches(t *testing.T) {
	txt := map[string]string{"arch": "arm64", "os": "linux"}
	if !matches(txt, map[string][]string{"arch": {"arm64", "amd64"}}) {
		t.Error("expected match")
	}
	if matches(txt, map[string][]string{"arch": {"amd64"}}) {
		t.Error("expected no match")
	}
}
