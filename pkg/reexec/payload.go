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

// Package reexec implements the live re-exec payload (spec.md §4.I, §6):
// the wire format a supervisor writes to a pipe before execve'ing itself,
// and that the new process reads back to resume supervision of units that
// were already running. It knows nothing about pkg/scheduler's types; the
// translation both ways happens in the caller.
package reexec

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"
)

// Record is one unit's serialised state (spec.md §6 re-exec payload):
// "name state start_time dependency pipe_r pipe_w events_fd [respawn_pid]".
type Record struct {
	Name       string
	State      string // "started" or "stopped"
	StartTime  time.Time
	Dependency bool
	PipeR      int
	PipeW      int
	EventsFd   int
	RespawnPid int // 0 if this unit has no tracked respawn runner
}

// Payload is the full set of records written before one re-exec.
type Payload struct {
	Records []Record
}

// Encode writes the newline-terminated record format, ending in a blank
// line, matching spec.md §6 exactly.
func (p *Payload) Encode(w io.Writer) error {
	bw := bufio.NewWriter(w)
	for _, r := range p.Records {
		fields := []string{
			r.Name,
			r.State,
			strconv.FormatInt(r.StartTime.Unix(), 10),
			boolField(r.Dependency),
			strconv.Itoa(r.PipeR),
			strconv.Itoa(r.PipeW),
			strconv.Itoa(r.EventsFd),
		}
		if r.RespawnPid != 0 {
			fields = append(fields, strconv.Itoa(r.RespawnPid))
		}
		if _, err := fmt.Fprintln(bw, strings.Join(fields, " ")); err != nil {
			return err
		}
	}
	if _, err := fmt.Fprintln(bw); err != nil {
		return err
	}
	return bw.Flush()
}

func boolField(b bool) string {
	if b {
		return "1"
	}
	return "0"
}

// Parse reads the record format back, stopping at the first blank line.
func Parse(r io.Reader) (*Payload, error) {
	sc := bufio.NewScanner(r)
	p := &Payload{}
	for sc.Scan() {
		line := sc.Text()
		if line == "" {
			break
		}
		rec, err := parseRecord(line)
		if err != nil {
			return nil, fmt.Errorf("parsing re-exec record %q: %w", line, err)
		}
		p.Records = append(p.Records, rec)
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return p, nil
}

func parseRecord(line string) (Record, error) {
	fields := strings.Fields(line)
	if len(fields) < 7 {
		return Record{}, fmt.Errorf("expected at least 7 fields, got %d", len(fields))
	}
	startUnix, err := strconv.ParseInt(fields[2], 10, 64)
	if err != nil {
		return Record{}, fmt.Errorf("start_time: %w", err)
	}
	pipeR, err := strconv.Atoi(fields[4])
	if err != nil {
		return Record{}, fmt.Errorf("pipe_r: %w", err)
	}
	pipeW, err := strconv.Atoi(fields[5])
	if err != nil {
		return Record{}, fmt.Errorf("pipe_w: %w", err)
	}
	eventsFd, err := strconv.Atoi(fields[6])
	if err != nil {
		return Record{}, fmt.Errorf("events_fd: %w", err)
	}
	rec := Record{
		Name:       fields[0],
		State:      fields[1],
		StartTime:  time.Unix(startUnix, 0),
		Dependency: fields[3] == "1",
		PipeR:      pipeR,
		PipeW:      pipeW,
		EventsFd:   eventsFd,
	}
	if len(fields) > 7 {
		pid, err := strconv.Atoi(fields[7])
		if err != nil {
			return Record{}, fmt.Errorf("respawn_pid: %w", err)
		}
		rec.RespawnPid = pid
	}
	return rec, nil
}
