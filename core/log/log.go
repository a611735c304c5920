// log.go - logging backend.
// SPDX-FileCopyrightText: © 2024 The plex authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package log provides a standard logging backend shared by all the
// components of a process.  Each component derives its own module-tagged
// logger from the backend.
package log

import (
	"fmt"
	"io"
	"io/ioutil"
	"os"
	"strings"
	"sync"

	"gopkg.in/op/go-logging.v1"
)

const format = "%{time:15:04:05.000} %{level:.4s} %{module}: %{message}"

// Backend is a log backend from which module loggers are derived.
type Backend struct {
	sync.Mutex

	backend logging.LeveledBackend
	w       io.Writer
	level   logging.Level
}

// GetLogger returns a per-module logger that writes to the backend.
func (b *Backend) GetLogger(module string) *logging.Logger {
	l := logging.MustGetLogger(module)
	l.SetBackend(b.backend)
	return l
}

// SetLevel changes the level of the backend.
func (b *Backend) SetLevel(level string) error {
	b.Lock()
	defer b.Unlock()

	lvl, err := logLevelFromString(level)
	if err != nil {
		return err
	}
	b.level = lvl
	b.backend.SetLevel(lvl, "")
	return nil
}

// New initializes a logging backend.  If f is the empty string logs are
// written to os.Stderr, otherwise to the given file.  Setting disable
// suppresses all log output.
func New(f string, level string, disable bool) (*Backend, error) {
	lvl, err := logLevelFromString(level)
	if err != nil {
		return nil, err
	}

	b := new(Backend)
	b.level = lvl
	if disable {
		b.w = ioutil.Discard
	} else if f == "" {
		b.w = os.Stderr
	} else {
		flags := os.O_CREATE | os.O_APPEND | os.O_WRONLY
		w, err := os.OpenFile(f, flags, 0600)
		if err != nil {
			return nil, fmt.Errorf("log: failed to open log file: %v", err)
		}
		b.w = w
	}

	base := logging.NewLogBackend(b.w, "", 0)
	formatted := logging.NewBackendFormatter(base, logging.MustStringFormatter(format))
	b.backend = logging.AddModuleLevel(formatted)
	b.backend.SetLevel(b.level, "")

	return b, nil
}

// NewWithWriter initializes a logging backend that writes to w, primarily
// intended for tests.
func NewWithWriter(w io.Writer, level string) (*Backend, error) {
	lvl, err := logLevelFromString(level)
	if err != nil {
		return nil, err
	}

	b := new(Backend)
	b.level = lvl
	b.w = w

	base := logging.NewLogBackend(b.w, "", 0)
	formatted := logging.NewBackendFormatter(base, logging.MustStringFormatter(format))
	b.backend = logging.AddModuleLevel(formatted)
	b.backend.SetLevel(b.level, "")

	return b, nil
}

func logLevelFromString(level string) (logging.Level, error) {
	switch strings.ToUpper(level) {
	case "ERROR":
		return logging.ERROR, nil
	case "WARNING", "WARN":
		return logging.WARNING, nil
	case "NOTICE":
		return logging.NOTICE, nil
	case "INFO":
		return logging.INFO, nil
	case "DEBUG":
		return logging.DEBUG, nil
	default:
		return logging.ERROR, fmt.Errorf("log: invalid level: '%v'", level)
	}
}
