// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Command querygate runs and inspects the query safety gate.
//
// # Usage
//
//	querygate config init querygate.yaml
//	querygate serve --config querygate.yaml
//	querygate validate "MATCH (n:Entity) RETURN n LIMIT 5"
//	querygate check "show me every customer email"
//	querygate allowlist show
//	querygate ratelimit usage
//
// # Exit Codes
//
//	0 = success or allowed
//	1 = request or query rejected
//	2 = error
package main

import (
	"errors"
	"fmt"
	"os"
)

const (
	ExitSuccess  = 0
	ExitRejected = 1
	ExitError    = 2
)

// exitError carries a process exit code out of a command.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string {
	return e.err.Error()
}

func (e *exitError) Unwrap() error {
	return e.err
}

func rejected(format string, args ...any) error {
	return &exitError{code: ExitRejected, err: fmt.Errorf(format, args...)}
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		var ee *exitError
		if errors.As(err, &ee) {
			os.Exit(ee.code)
		}
		os.Exit(ExitError)
	}
}
