// main.go - example echo server.
// SPDX-FileCopyrightText: © 2024 The plex authors
// SPDX-License-Identifier: AGPL-3.0-only

package main

import (
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/plexnet/plex/core/log"
	"github.com/plexnet/plex/server"
)

func main() {
	addr := flag.String("addr", "127.0.0.1:8080", "listen address")
	logLevel := flag.String("log_level", "INFO", "log level")
	flag.Parse()

	logBackend, err := log.New("", *logLevel, false)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logging: %v\n", err)
		os.Exit(1)
	}

	s, err := server.New(*addr, nil, logBackend)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create server: %v\n", err)
		os.Exit(1)
	}

	s.OnFunc("/ping", func(ctx *server.Context) (*server.Response, error) {
		return server.TextResponse("pong"), nil
	})

	s.OnFunc("/echo", func(ctx *server.Context) (*server.Response, error) {
		msg, err := ctx.Text()
		if err != nil {
			return nil, err
		}
		return server.TextResponse(msg), nil
	})

	s.OnFunc("/json", func(ctx *server.Context) (*server.Response, error) {
		var req struct {
			Name  string `json:"name"`
			Value int    `json:"value"`
		}
		if err := ctx.JSON(&req); err != nil {
			return nil, err
		}
		return server.JSONResponse(struct {
			Message   string `json:"message"`
			Received  string `json:"received"`
			Timestamp int64  `json:"timestamp"`
		}{
			Message:   "Received",
			Received:  req.Name,
			Timestamp: time.Now().Unix(),
		})
	})

	s.OnFunc("/uppercase", func(ctx *server.Context) (*server.Response, error) {
		text, err := ctx.Text()
		if err != nil {
			return nil, err
		}
		return server.TextResponse(strings.ToUpper(text)), nil
	})

	s.OnFunc("/reverse", func(ctx *server.Context) (*server.Response, error) {
		text, err := ctx.Text()
		if err != nil {
			return nil, err
		}
		runes := []rune(text)
		for i, j := 0, len(runes)-1; i < j; i, j = i+1, j-1 {
			runes[i], runes[j] = runes[j], runes[i]
		}
		return server.TextResponse(string(runes)), nil
	})

	if err := s.Listen(); err != nil {
		fmt.Fprintf(os.Stderr, "listen: %v\n", err)
		os.Exit(1)
	}
}
