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

// Package backoff governs retry of the transient platform errors spec.md §7
// names explicitly (EPOLL_CTL, inotify_init, open(/dev/null) failures): the
// supervisor is PID 1 and must never give up, but must also never spin a
// tight retry loop against a resource exhaustion condition.
package backoff

import (
	"time"

	"golang.org/x/time/rate"
)

// Governor rate-limits retries of one recurring transient failure. It is not
// safe for concurrent use by multiple goroutines; the poller loop that owns
// it is single-threaded by design (spec.md §5).
type Governor struct {
	limiter *rate.Limiter
}

// New returns a Governor permitting up to burst immediate retries, then
// refilling at one token every interval.
func New(interval time.Duration, burst int) *Governor {
	return &Governor{limiter: rate.NewLimiter(rate.Every(interval), burst)}
}

// Allow reports whether a retry may be attempted right now. Callers that get
// false should fall through to the next poller wakeup rather than block.
func (g *Governor) Allow() bool {
	return g.limiter.Allow()
}
