// Copyright 2025 Fedchain Project
//
// Package logging provides the one shared constructor every component uses
// to build its per-component logger, standardizing the `[component] `
// prefix convention without introducing a structured-logging dependency the
// teacher never reaches for.
package logging

import (
	"log"
	"os"
)

// New returns a logger prefixed with the given component name, writing to
// stdout with the standard log flags — the shape every package in this
// module constructs inline, pulled out so it's defined once.
func New(component string) *log.Logger {
	return log.New(os.Stdout, "["+component+"] ", log.LstdFlags)
}
