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

package reexec

import (
	"bytes"
	"testing"
	"time"
)

func TestEncodeParseRoundTrip(t *testing.T) {
	p := &Payload{Records: []Record{
		{Name: "system/sshd", State: "started", StartTime: time.Unix(1700000000, 0), Dependency: false, PipeR: 10, PipeW: 11, EventsFd: 12},
		{Name: "system/logger", State: "started", StartTime: time.Unix(1700000050, 0), Dependency: true, PipeR: 13, PipeW: 14, EventsFd: 15, RespawnPid: 4242},
	}}

	var buf bytes.Buffer
	if err := p.Encode(&buf); err != nil {
		t.Fatalf("Encode: %v", err)
	}

	got, err := Parse(&buf)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(got.Records) != 2 {
		t.Fatalf("got %d records, want 2", len(got.Records))
	}
	for i, want := range p.Records {
		r := got.Records[i]
		if r.Name != want.Name || r.State != want.State || r.Dependency != want.Dependency ||
			r.PipeR != want.PipeR || r.PipeW != want.PipeW || r.EventsFd != want.EventsFd || r.RespawnPid != want.RespawnPid {
			t.Errorf("record %d = %+v, want %+v", i, r, want)
		}
		if !r.StartTime.Equal(want.StartTime) {
			t.Errorf("record %d StartTime = %v, want %v", i, r.StartTime, want.StartTime)
		}
	}
}

func TestEncodeOmitsRespawnPidWhenZero(t *testing.T) {
	p := &Payload{Records: []Record{
		{Name: "a", State: "started", StartTime: time.Unix(1, 0), PipeR: 3, PipeW: 4, EventsFd: 5},
	}}
	var buf bytes.Buffer
	if err := p.Encode(&buf); err != nil {
		t.Fatalf("Encode: %v", err)
	}
	line := buf.String()
	want := "a started 1 0 3 4 5\n\n"
	if line != want {
		t.Errorf("Encode() = %q, want %q", line, want)
	}
}

func TestParseStopsAtBlankLine(t *testing.T) {
	buf := bytes.NewBufferString("a started 1 0 3 4 5\n\ngarbage that should be ignored\n")
	p, err := Parse(buf)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(p.Records) != 1 {
		t.Fatalf("got %d records, want 1", len(p.Records))
	}
}

func TestParseRejectsShortRecord(t *testing.T) {
	buf := bytes.NewBufferString("a started 1\n\n")
	if _, err := Parse(buf); err == nil {
		t.Errorf("expected error for a record with too few fields")
	}
}
