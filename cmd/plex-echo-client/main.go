// main.go - example echo client.
// SPDX-FileCopyrightText: © 2024 The plex authors
// SPDX-License-Identifier: AGPL-3.0-only

package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/plexnet/plex/client"
	"github.com/plexnet/plex/core/log"
	"github.com/plexnet/plex/envelope"
)

func main() {
	serverAddr := flag.String("server", "127.0.0.1:8080", "server address")
	logLevel := flag.String("log_level", "INFO", "log level")
	flag.Parse()

	logBackend, err := log.New("", *logLevel, false)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logging: %v\n", err)
		os.Exit(1)
	}

	c, err := client.New("127.0.0.1:0", *serverAddr, nil, logBackend)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create client: %v\n", err)
		os.Exit(1)
	}
	defer c.Shutdown()

	c.StartRecvLoop()
	if err := c.Connect(); err != nil {
		fmt.Fprintf(os.Stderr, "connect: %v\n", err)
		os.Exit(1)
	}

	ctx := context.Background()
	run := func(route string, payload []byte) {
		resp, err := c.Request(ctx, route, payload)
		if err != nil {
			fmt.Fprintf(os.Stderr, "%s: %v\n", route, err)
			os.Exit(1)
		}
		fmt.Printf("%s -> %s\n", route, resp)
	}

	run("/ping", nil)
	run("/echo", []byte("Hello, World!"))

	jsonReq, err := envelope.ToJSON(struct {
		Name  string `json:"name"`
		Value int    `json:"value"`
	}{Name: "Alice", Value: 42})
	if err != nil {
		fmt.Fprintf(os.Stderr, "json: %v\n", err)
		os.Exit(1)
	}
	run("/json", jsonReq)

	run("/uppercase", []byte("hello world"))
	run("/reverse", []byte("stressed desserts"))
}
