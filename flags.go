// Copyright 2015 Google Inc. All rights reserved
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package kati

import (
	"bytes"
	"fmt"
	"os"
	"sync"
)

// These are exported so that cmd/kati can bind them directly to CLI
// flags, the same way the original katiMain bound its flag.BoolVar
// targets to package-level vars.
var (
	// LogFlag turns on verbose kati-internal tracing (glog-backed).
	LogFlag bool
	// StatsFlag and PeriodicStatsFlag control the textual stats dump
	// in dep.go/depgraph.go.
	StatsFlag         bool
	PeriodicStatsFlag bool
	// EvalStatsFlag turns on the per-construct timing table in stats.go.
	EvalStatsFlag bool
	// DryRunFlag corresponds to -n: print commands without running them.
	DryRunFlag bool
	// SilentFlag corresponds to -s: suppress recipe echoing regardless
	// of the @ prefix.
	SilentFlag bool

	UseFindCache     bool
	UseWildcardCache = true
	UseShellBuiltins = true

	// IgnoreOptionalInclude skips -include directives whose path
	// matches this pattern (a %-pattern, as matched by matchPattern).
	IgnoreOptionalInclude string
)

var logMu sync.Mutex

// logAlways prints a kati-prefixed diagnostic unconditionally, the way
// the original standalone kati command line tool did. It is reserved
// for explicit user-facing status (stats dumps); ordinary internal
// tracing goes through logf (printed only when LogFlag is set) or glog.
func logAlways(f string, a ...interface{}) {
	var buf bytes.Buffer
	buf.WriteString("*kati*: ")
	buf.WriteString(f)
	buf.WriteByte('\n')
	logMu.Lock()
	fmt.Printf(buf.String(), a...)
	logMu.Unlock()
}

// logf logs a kati-internal trace message when LogFlag is set. Most
// internal tracing goes through glog.V instead; this is reserved for
// the handful of call sites (evalcmd.go, shellutil.go, func.go) that
// predate glog adoption and still gate on the explicit flag.
func logf(f string, a ...interface{}) {
	if !LogFlag {
		return
	}
	logAlways(f, a...)
}

// logStats logs a message when -kati_stats or -kati_periodic_stats is set.
func logStats(f string, a ...interface{}) {
	if !StatsFlag && !PeriodicStatsFlag {
		return
	}
	logAlways(f, a...)
}

// warn prints a Make-style "file:line: warning: msg" diagnostic and
// continues. This is a user-facing part of the engine's own protocol,
// not internal tracing, so it always goes to stdout regardless of
// LogFlag.
func warn(pos srcpos, f string, a ...interface{}) {
	f = fmt.Sprintf("%s: warning: %s\n", pos, f)
	fmt.Printf(f, a...)
}

// warnNoPrefix is like warn but without the "warning:" tag, used for
// parser diagnostics that already carry their own wording.
func warnNoPrefix(pos srcpos, f string, a ...interface{}) {
	f = fmt.Sprintf("%s: %s\n", pos, f)
	fmt.Printf(f, a...)
}

// Error reports a fatal, located error (used by $(error ...) and by
// numeric-argument validation in the function registry) and terminates
// the process, matching GNU Make's behavior of aborting the entire
// build on such errors rather than returning them up as Go errors.
func Error(filename string, lineno int, f string, a ...interface{}) {
	f = fmt.Sprintf("%s:%d: %s", filename, lineno, f)
	errorNoLocation(f, a...)
}

// errorNoLocation is like Error but without a source location, used for
// errors that are not tied to a specific makefile line.
func errorNoLocation(f string, a ...interface{}) {
	fmt.Printf(f+"\n", a...)
	DumpStats()
	os.Exit(2)
}
