// Copyright 2018-2022 the u-root Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/gitpan/arc/logging"
)

func writeTempConfig(t *testing.T, contents string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "arcd.conf")
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	return path
}

func TestParseINIBasics(t *testing.T) {
	path := writeTempConfig(t, `
; a comment line
# another comment

[main]
service = arc
timeout = 45

[arcd]
host = 0.0.0.0
port = 4282,4283
min_servers = 3

[commands]
echo = /bin/echo
shell = @tty /bin/sh

[users]
alice = $2a$10$examplehash

[acl]
shell = alice,bob
`)

	f, err := parseINI(path)
	if err != nil {
		t.Fatalf("parseINI: %v", err)
	}
	if got := f.get("main", "service", ""); got != "arc" {
		t.Fatalf("got service %q", got)
	}
	timeout, err := f.getInt("main", "timeout", 0)
	if err != nil {
		t.Fatalf("getInt: %v", err)
	}
	if timeout != 45 {
		t.Fatalf("got timeout %d, want 45", timeout)
	}
	if got := f.get("arcd", "port", ""); got != "4282,4283" {
		t.Fatalf("got port %q", got)
	}
	if got := f.get("missing", "key", "fallback"); got != "fallback" {
		t.Fatalf("expected default for missing section, got %q", got)
	}
}

func TestParseINIRejectsMalformedLine(t *testing.T) {
	path := writeTempConfig(t, "[main]\nthis line has no equals sign\n")
	if _, err := parseINI(path); err == nil {
		t.Fatal("expected an error for a line with no '='")
	}
}

func TestGetIntRejectsNonInteger(t *testing.T) {
	path := writeTempConfig(t, "[arcd]\nmin_servers = not-a-number\n")
	f, err := parseINI(path)
	if err != nil {
		t.Fatalf("parseINI: %v", err)
	}
	if _, err := f.getInt("arcd", "min_servers", 0); err == nil {
		t.Fatal("expected an error for a non-integer value")
	}
}

func TestLoadConfigDefaults(t *testing.T) {
	path := writeTempConfig(t, "[main]\nservice = arc\n")
	cfg, err := loadConfig(path)
	if err != nil {
		t.Fatalf("loadConfig: %v", err)
	}
	if cfg.Service != "arc" {
		t.Fatalf("got service %q", cfg.Service)
	}
	if len(cfg.Ports) != 1 || cfg.Ports[0] != defaultPort {
		t.Fatalf("got ports %v, want [%s]", cfg.Ports, defaultPort)
	}
	if cfg.MinServers != 2 || cfg.MaxServers != 8 {
		t.Fatalf("got min/max servers %d/%d, want 2/8", cfg.MinServers, cfg.MaxServers)
	}
	if cfg.LogLevel != logging.ParseLevel(int(logging.Auth|logging.Err)) {
		t.Fatalf("got log level %v, want the Auth|Err default", cfg.LogLevel)
	}
}

func TestLoadConfigParsesCommandsUsersACL(t *testing.T) {
	path := writeTempConfig(t, `
[commands]
echo = /bin/echo
shell = @tty /bin/sh

[users]
alice = hash-for-alice

[acl]
shell = alice,bob
`)
	cfg, err := loadConfig(path)
	if err != nil {
		t.Fatalf("loadConfig: %v", err)
	}
	echoCmd, ok := cfg.Commands["echo"]
	if !ok {
		t.Fatal("expected an \"echo\" command entry")
	}
	if echoCmd.TTY {
		t.Fatal("echo command should not be marked TTY")
	}
	shellCmd, ok := cfg.Commands["shell"]
	if !ok {
		t.Fatal("expected a \"shell\" command entry")
	}
	if !shellCmd.TTY {
		t.Fatal("shell command should be marked TTY via the @tty prefix")
	}
	if cfg.Users["alice"] != "hash-for-alice" {
		t.Fatalf("got users %v", cfg.Users)
	}
	allowed := cfg.ACL["shell"]
	if len(allowed) != 2 || allowed[0] != "alice" || allowed[1] != "bob" {
		t.Fatalf("got ACL entries %v, want [alice bob]", allowed)
	}
}

func TestSplitCSV(t *testing.T) {
	cases := []struct {
		in   string
		want []string
	}{
		{"", nil},
		{"a", []string{"a"}},
		{"a,b,c", []string{"a", "b", "c"}},
		{" a , b ,, c ", []string{"a", "b", "c"}},
	}
	for _, c := range cases {
		got := splitCSV(c.in)
		if len(got) != len(c.want) {
			t.Fatalf("splitCSV(%q) = %v, want %v", c.in, got, c.want)
		}
		for i := range got {
			if got[i] != c.want[i] {
				t.Fatalf("splitCSV(%q) = %v, want %v", c.in, got, c.want)
			}
		}
	}
}

func TestBuildStorePopulatesUsers(t *testing.T) {
	store := buildStore(map[string]string{"alice": "hash"})
	if store == nil {
		t.Fatal("expected a non-nil store")
	}
}
