// Copyright 2018-2022 the u-root Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package main

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/gitpan/arc/errs"
	"github.com/gitpan/arc/logging"
	"github.com/gitpan/arc/sasl"
	"github.com/gitpan/arc/server"
)

// iniFile is the parsed [section] key=value structure spec.md §6
// calls for. Config file parsing is explicitly out of scope for the
// core engine (spec.md §1): this is the thinnest reader that covers
// [main]/[logging]/[arcd]/[commands]/[users]/[discovery], not a
// general-purpose INI library — no repo in the reference pack parses
// INI, so there is nothing to ground this on beyond the format
// spec.md's own config section names.
type iniFile map[string]map[string]string

func parseINI(path string) (iniFile, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errs.New(errs.Config, fmt.Sprintf("open %s", path), err)
	}
	defer f.Close() //nolint:errcheck

	file := iniFile{}
	section := ""
	file[section] = map[string]string{}

	scanner := bufio.NewScanner(f)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, ";") {
			continue
		}
		if strings.HasPrefix(line, "[") && strings.HasSuffix(line, "]") {
			section = strings.TrimSpace(line[1 : len(line)-1])
			if _, ok := file[section]; !ok {
				file[section] = map[string]string{}
			}
			continue
		}
		eq := strings.Index(line, "=")
		if eq < 0 {
			return nil, errs.New(errs.Config, fmt.Sprintf("%s:%d: not a key=value line: %q", path, lineNo, line), nil)
		}
		key := strings.TrimSpace(line[:eq])
		val := strings.TrimSpace(line[eq+1:])
		file[section][key] = val
	}
	if err := scanner.Err(); err != nil {
		return nil, errs.New(errs.Config, fmt.Sprintf("read %s", path), err)
	}
	return file, nil
}

func (f iniFile) get(section, key, def string) string {
	if m, ok := f[section]; ok {
		if v, ok := m[key]; ok {
			return v
		}
	}
	return def
}

func (f iniFile) getInt(section, key string, def int) (int, error) {
	v := f.get(section, key, "")
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, errs.New(errs.Config, fmt.Sprintf("[%s] %s: not an integer: %q", section, key, v), err)
	}
	return n, nil
}

// daemonConfig is everything main() needs, assembled from an iniFile
// plus the -p/-P/-d/-v CLI overrides spec.md §6 names.
type daemonConfig struct {
	Host     string
	Ports    []string
	PidFile  string
	Timeout  time.Duration
	Service  string
	LogLevel logging.Facility
	LogDest  string

	MaxRequests     int
	MinServers      int
	MaxServers      int
	MinSpareServers int
	MaxSpareServers int

	Commands map[string]server.Command
	Users    map[string]string // username -> bcrypt hash
	ACL      server.StaticACL

	DiscoveryAdvertise bool
	DiscoveryInstance  string
	DiscoveryService   string
}

// defaultPort matches client.DefaultPort; arcd doesn't import the
// client package, so it's restated here rather than pulled in for one
// constant.
const defaultPort = "4282"

func loadConfig(path string) (*daemonConfig, error) {
	ini, err := parseINI(path)
	if err != nil {
		return nil, err
	}

	timeoutSecs, err := ini.getInt("main", "timeout", 30)
	if err != nil {
		return nil, err
	}
	minServers, err := ini.getInt("arcd", "min_servers", 2)
	if err != nil {
		return nil, err
	}
	maxServers, err := ini.getInt("arcd", "max_servers", 8)
	if err != nil {
		return nil, err
	}
	minSpare, err := ini.getInt("arcd", "min_spare_servers", 1)
	if err != nil {
		return nil, err
	}
	maxSpare, err := ini.getInt("arcd", "max_spare_servers", 4)
	if err != nil {
		return nil, err
	}
	maxRequests, err := ini.getInt("arcd", "max_requests", 0)
	if err != nil {
		return nil, err
	}
	logLevel, err := ini.getInt("logging", "level", int(logging.Auth|logging.Err))
	if err != nil {
		return nil, err
	}

	cfg := &daemonConfig{
		Host:               ini.get("arcd", "host", ""),
		Ports:              splitCSV(ini.get("arcd", "port", defaultPort)),
		PidFile:            ini.get("arcd", "pid_file", ""),
		Timeout:            time.Duration(timeoutSecs) * time.Second,
		Service:            ini.get("main", "service", "arc"),
		LogLevel:           logging.ParseLevel(logLevel),
		LogDest:            ini.get("logging", "destination", "stderr"),
		MaxRequests:        maxRequests,
		MinServers:         minServers,
		MaxServers:         maxServers,
		MinSpareServers:    minSpare,
		MaxSpareServers:    maxSpare,
		Commands:           map[string]server.Command{},
		Users:              map[string]string{},
		ACL:                server.StaticACL{},
		DiscoveryAdvertise: ini.get("discovery", "advertise", "false") == "true",
		DiscoveryInstance:  ini.get("discovery", "instance", "arcd"),
		DiscoveryService:   ini.get("discovery", "service", "_arc._tcp"),
	}

	commands, err := server.ParseCommandTable(ini["commands"])
	if err != nil {
		return nil, err
	}
	cfg.Commands = commands

	for user, hash := range ini["users"] {
		cfg.Users[user] = hash
	}

	// The [commands] section names executables; ACL policy lives in
	// [acl] as command = user1,user2, a StaticACL entry per command.
	for cmd, users := range ini["acl"] {
		cfg.ACL[cmd] = splitCSV(users)
	}

	return cfg, nil
}

func splitCSV(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func buildStore(users map[string]string) *sasl.Store {
	store := sasl.NewStore()
	for user, hash := range users {
		store.AddPlain(user, hash)
	}
	return store
}
