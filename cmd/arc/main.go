// Copyright 2018-2022 the u-root Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Command arc is the ARC client: dial a host, authenticate via SASL,
// run one command and relay its stdio, exactly spec.md §4.G's client
// state machine, fronted the way the teacher's cpu command fronts its
// own client package.
package main

import (
	"bufio"
	"bytes"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"time"

	"github.com/gitpan/arc/client"
	"github.com/gitpan/arc/sasl"
)

var (
	user       = flag.String("l", "", "username (defaults to $USER)")
	password   = flag.String("pw", "", "password; prompted for if empty")
	port       = flag.String("p", "", "arcd port")
	timeout    = flag.Duration("timeout", 30*time.Second, "control and data channel timeout")
	mechanisms = flag.String("mechanisms", "", "comma-separated SASL mechanisms to offer, strongest first (default: all)")
	debug      = flag.Bool("d", false, "enable debug prints")
)

func verbose(f string, a ...interface{}) {
	if *debug {
		log.Printf(f, a...)
	}
}

func flags() {
	flag.Parse()
	if *debug {
		client.V = func(f string, a ...interface{}) { log.Printf(f, a...) }
	}
}

// promptPassword reads a password from stdin without -pw set. It
// does not suppress terminal echo. SCRAM-SHA-256 sends only a proof
// derived from the password; PLAIN sends the password itself,
// base64-encoded but not encrypted.
func promptPassword() string {
	fmt.Fprint(os.Stderr, "Password: ")
	line, _ := bufio.NewReader(os.Stdin).ReadString('\n')
	return strings.TrimRight(line, "\r\n")
}

func usage() {
	var b bytes.Buffer
	flag.CommandLine.SetOutput(&b)
	flag.PrintDefaults()
	log.Fatalf("Usage: arc [options] host command [args...]:\n%v", b.String())
}

func main() {
	flags()
	args := flag.Args()
	if len(args) < 2 {
		usage()
	}
	host, name, cmdArgs := args[0], args[1], args[2:]

	username := *user
	if username == "" {
		username = os.Getenv("USER")
	}

	pw := *password
	if pw == "" {
		pw = promptPassword()
	}

	c := client.New(host)
	c.WithTimeout(*timeout)
	if *port != "" {
		c.WithPort(*port)
	}
	if *mechanisms != "" {
		c.WithMechanisms(strings.Split(*mechanisms, ",")...)
	}
	c.WithCredentials(&sasl.ClientCredentials{Username: username, Password: pw})

	stdinR, stdinW := io.Pipe()
	c.Stdin = stdinR
	go client.TTYIn(c.Quit, stdinW, os.Stdin)

	verbose("arc: dialing %s as %s", host, username)
	if err := c.Dial(); err != nil {
		log.Fatalf("arc: %v", err)
	}

	status, err := c.Run(name, cmdArgs...)
	closeErr := c.Close()
	if err != nil {
		log.Fatalf("arc: %v", err)
	}
	if closeErr != nil {
		verbose("arc: close: %v", closeErr)
	}
	os.Exit(status)
}
