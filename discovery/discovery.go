// Copyright 2018-2022 the u-root Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package discovery is ARC's optional mDNS advertisement and
// resolution: arcd can advertise itself as "_arc._tcp" with gopsutil
// load/memory stats in its TXT record, and arc can resolve a
// dnssd: URI instead of a literal host:port. Grounded on the
// teacher's ds package (brutella/dnssd browse/responder calls,
// golang.org/x/exp/slices TXT-requirement matching), generalized from
// a cpu-specific tenant counter to ARC's active-session count.
package discovery

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/brutella/dnssd"
	"github.com/shirou/gopsutil/load"
	"github.com/shirou/gopsutil/mem"
	"golang.org/x/exp/slices"
)

const (
	// DefaultURI is the dnssd: URI that asks mDNS for any arcd. The
	// arc command does not fall back to it; it always requires a host.
	DefaultURI = "dnssd:"

	defaultServiceType = "_arc._tcp"
	lookupTimeout       = 2 * time.Second
	statsRefresh        = 60 * time.Second
)

var v = func(string, ...interface{}) {}

// Verbose installs f as the debug-print sink.
func Verbose(f func(string, ...interface{})) { v = f }

// Query is a parsed dnssd: URI: dnssd://domain/_service._tcp?key=value
// requires the resolved instance's TXT record to match every key.
type Query struct {
	Type   string
	Domain string
	Text   map[string][]string
}

// ParseURI parses a dnssd: URI into a Query, filling in ARC's defaults
// for an unqualified "dnssd:".
func ParseURI(uri string) (Query, error) {
	q := Query{Type: defaultServiceType, Domain: "local"}

	u, err := url.Parse(uri)
	if err != nil {
		return q, fmt.Errorf("discovery: parsing %q: %w", uri, err)
	}
	if u.Scheme != "dnssd" {
		return q, fmt.Errorf("discovery: %q is not a dnssd: URI", uri)
	}
	if u.Host != "" {
		q.Domain = u.Host
	}
	if u.Path != "" {
		q.Type = strings.TrimPrefix(u.Path, "/")
	}
	q.Text = u.Query()
	return q, nil
}

func matches(txt map[string]string, want map[string][]string) bool {
	for k := range want {
		if !slices.Contains(want[k], txt[k]) {
			return false
		}
	}
	return true
}

// Resolve browses for a service matching q and returns the first
// matching instance's "host:port".
func Resolve(q Query) (string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), lookupTimeout)
	defer cancel()

	service := fmt.Sprintf("%s.%s.", strings.Trim(q.Type, "."), strings.Trim(q.Domain, "."))
	v("discovery: browsing for %s", service)

	found := make(chan *dnssd.BrowseEntry, 1)
	add := func(e dnssd.BrowseEntry) {
		if matches(e.Text, q.Text) {
			select {
			case found <- &e:
			default:
			}
		}
	}
	remove := func(dnssd.BrowseEntry) {}

	go func() {
		if err := dnssd.LookupType(ctx, service, add, remove); err != nil {
			v("discovery: lookup error: %v", err)
		}
		select {
		case found <- nil:
		default:
		}
	}()

	e := <-found
	if e == nil || len(e.IPs) == 0 {
		return "", fmt.Errorf("discovery: no instance of %s found", service)
	}
	return fmt.Sprintf("%s:%d", e.IPs[0].String(), e.Port), nil
}

// Advertisement is a running responder for one arcd instance. Stop it
// to withdraw the advertisement.
type Advertisement struct {
	cancel context.CancelFunc
	text   map[string]string
	handle dnssd.ServiceHandle
	resp   dnssd.Responder
	sessCh chan int
	active int
}

// Advertise registers instanceName (or a hostname-derived default) as
// a dnssd service of the given type, domain and port, with the static
// TXT entries in text merged with live system stats that refresh
// every statsRefresh.
func Advertise(instanceName, domain, svcType, iface string, port int, text map[string]string) (*Advertisement, error) {
	if svcType == "" {
		svcType = defaultServiceType
	}
	if domain == "" {
		domain = "local"
	}
	if instanceName == "" {
		instanceName = defaultInstance()
	}
	if text == nil {
		text = map[string]string{}
	}
	defaultTxt(text)

	resp, err := dnssd.NewResponder()
	if err != nil {
		return nil, fmt.Errorf("discovery: new responder: %w", err)
	}

	ifaces := []string{}
	if iface != "" {
		ifaces = append(ifaces, iface)
	}

	a := &Advertisement{text: text, resp: resp, sessCh: make(chan int, 8)}
	a.refreshStats()

	svc, err := dnssd.NewService(dnssd.Config{
		Name:   instanceName,
		Type:   svcType,
		Domain: domain,
		Port:   port,
		Ifaces: ifaces,
		Text:   text,
	})
	if err != nil {
		return nil, fmt.Errorf("discovery: new service: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	a.cancel = cancel

	go func() {
		handle, err := resp.Add(svc)
		if err != nil {
			v("discovery: add service failed: %v", err)
			return
		}
		a.handle = handle
		v("discovery: advertising %s", handle.Service().ServiceInstanceName())

		ticker := time.NewTicker(statsRefresh)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case delta := <-a.sessCh:
				a.active += delta
				a.refreshStats()
				handle.UpdateText(a.text, resp) //nolint:errcheck
			case <-ticker.C:
				a.refreshStats()
				handle.UpdateText(a.text, resp) //nolint:errcheck
			}
		}
	}()

	go func() {
		if err := resp.Respond(ctx); err != nil && ctx.Err() == nil {
			v("discovery: responder exited: %v", err)
		}
	}()

	return a, nil
}

// SessionDelta reports a change in the number of active connections,
// reflected in the TXT record's "sessions" key at the next refresh.
func (a *Advertisement) SessionDelta(delta int) {
	select {
	case a.sessCh <- delta:
	default:
	}
}

// Stop withdraws the advertisement.
func (a *Advertisement) Stop() {
	if a.cancel != nil {
		a.cancel()
	}
}

func (a *Advertisement) refreshStats() {
	a.text["sessions"] = strconv.Itoa(a.active)
	if vm, err := mem.VirtualMemory(); err == nil {
		a.text["mem_avail"] = strconv.FormatUint(vm.Available, 10)
		a.text["mem_total"] = strconv.FormatUint(vm.Total, 10)
	}
	if avg, err := load.Avg(); err == nil {
		a.text["load1"] = fmt.Sprintf("%.2f", avg.Load1)
		a.text["load5"] = fmt.Sprintf("%.2f", avg.Load5)
	}
}

func defaultTxt(txt map[string]string) {
	if txt["arch"] == "" {
		txt["arch"] = runtime.GOARCH
	}
	if txt["os"] == "" {
		txt["os"] = runtime.GOOS
	}
	if txt["cores"] == "" {
		txt["cores"] = strconv.Itoa(runtime.NumCPU())
	}
}

func defaultInstance() string {
	host, err := os.Hostname()
	if err != nil {
		return "arcd"
	}
	return host + "-arcd"
}
