// Copyright Materialize, Inc. and contributors. All rights reserved.
//
// Use of this software is governed by the Business Source License
// included in the LICENSE file.

// Package log provides context-aware leveled logging. Messages are
// prefixed with the logtags carried in the context, so a caller that
// has annotated its context with e.g. a replica id sees that id on
// every line without threading it through call sites.
package log

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync/atomic"

	"github.com/cockroachdb/logtags"
	"github.com/cockroachdb/redact"
)

// Severity identifies the severity of a log message.
type Severity int32

const (
	// INFO is used for informational messages.
	INFO Severity = iota
	// WARNING is used for situations which may require special handling.
	WARNING
	// ERROR is used for situations that require attention.
	ERROR
)

func (s Severity) String() string {
	switch s {
	case INFO:
		return "I"
	case WARNING:
		return "W"
	case ERROR:
		return "E"
	default:
		return "?"
	}
}

var logDest atomic.Pointer[io.Writer]

var verbosity atomic.Int32

func init() {
	var w io.Writer = os.Stderr
	logDest.Store(&w)
}

// SetDestination redirects log output, returning a function that
// restores the previous destination. Intended for tests.
func SetDestination(w io.Writer) func() {
	prev := logDest.Swap(&w)
	return func() { logDest.Store(prev) }
}

// SetVModule sets the verbosity level for V and VEventf.
func SetVModule(level int32) {
	verbosity.Store(level)
}

// V returns true if verbose logging is enabled at the given level.
func V(level int32) bool {
	return verbosity.Load() >= level
}

func output(ctx context.Context, sev Severity, format string, args ...interface{}) {
	var prefix string
	if tags := logtags.FromContext(ctx); tags != nil {
		prefix = "[" + tags.String() + "] "
	}
	msg := redact.Sprintf(format, args...).StripMarkers()
	fmt.Fprintf(*logDest.Load(), "%s %s%s\n", sev, prefix, msg)
}

// Infof logs to the INFO channel.
func Infof(ctx context.Context, format string, args ...interface{}) {
	output(ctx, INFO, format, args...)
}

// Warningf logs to the WARNING channel.
func Warningf(ctx context.Context, format string, args ...interface{}) {
	output(ctx, WARNING, format, args...)
}

// Errorf logs to the ERROR channel.
func Errorf(ctx context.Context, format string, args ...interface{}) {
	output(ctx, ERROR, format, args...)
}

// VEventf logs to the INFO channel when verbosity is at or above level.
func VEventf(ctx context.Context, level int32, format string, args ...interface{}) {
	if V(level) {
		output(ctx, INFO, format, args...)
	}
}
