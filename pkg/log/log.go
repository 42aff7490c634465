// Copyright 2024 The Vera Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package log is the logging facade used by every vera package. It wraps a
// single logrus.Logger so the whole supervisor shares one formatter, level
// and output, and so callers never import logrus directly.
package log

import (
	"io"
	"os"

	"github.com/sirupsen/logrus"
)

var base = logrus.New()

func init() {
	base.SetOutput(os.Stderr)
	base.SetFormatter(&logrus.TextFormatter{
		FullTimestamp: true,
	})
}

// Level mirrors logrus.Level so callers don't need the logrus import either.
type Level = logrus.Level

const (
	Warning Level = logrus.WarnLevel
	Info    Level = logrus.InfoLevel
	Debug   Level = logrus.DebugLevel
)

// SetLevel sets the minimum level that will be emitted.
func SetLevel(l Level) {
	base.SetLevel(l)
}

// SetOutput redirects log output, e.g. to a syslog writer supplied by the
// platform glue that owns syslog disposition (out of scope for this core).
func SetOutput(w io.Writer) {
	base.SetOutput(w)
}

// WithUnit returns a logger carrying the named unit as a structured field,
// matching the "one line per transition, unit name first" style of the
// original switchlog output (see SPEC_FULL.md §SUPPLEMENTED FEATURES).
func WithUnit(name string) *logrus.Entry {
	return base.WithField("unit", name)
}

func Debugf(format string, args ...any) { base.Debugf(format, args...) }
func Infof(format string, args ...any)  { base.Infof(format, args...) }
func Warningf(format string, args ...any) { base.Warnf(format, args...) }
