// Copyright (c) 2026, Peak Weather Labs. All rights reserved.
// Use of this source code is governed by a MIT
// license that can be found in the LICENSE file.

package nwws

import (
	"reflect"
	"strings"
	"testing"
	"time"
)

func testParser() Parser {
	return Parser{IssueFormats: []string{time.RFC3339}}
}

func validEnvelope() Envelope {
	return Envelope{
		Subject:  "Severe Thunderstorm Warning",
		Text:     "URGENT - WEATHER MESSAGE\nNATIONAL WEATHER SERVICE BOSTON MA",
		ID:       "14107.2034",
		Issue:    "2023-12-25T15:45:00Z",
		TTAAII:   "WFUS51",
		CCCC:     "KBOS",
		AWIPSID:  "SVRBOS",
		Received: time.Date(2023, 12, 25, 15, 45, 12, 0, time.UTC),
	}
}

func TestParseValidEnvelope(t *testing.T) {
	p := testParser()
	b, err := p.Parse(validEnvelope())
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if b.TTAAII != "WFUS51" || b.CCCC != "KBOS" {
		t.Errorf("unexpected header: %s %s", b.TTAAII, b.CCCC)
	}
	if b.AWIPSID != "SVRBOS" {
		t.Errorf("unexpected awipsid: %s", b.AWIPSID)
	}
	if b.ID != "14107.2034" {
		t.Errorf("unexpected id: %s", b.ID)
	}
	want := time.Date(2023, 12, 25, 15, 45, 0, 0, time.UTC)
	if !b.IssuedAt.Equal(want) {
		t.Errorf("unexpected issuance: %v", b.IssuedAt)
	}
	if b.Delayed {
		t.Error("no delay marker was present, but bulletin reports delayed")
	}
}

func TestParseDeterministic(t *testing.T) {
	p := testParser()
	env := validEnvelope()
	first, err := p.Parse(env)
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	second, err := p.Parse(env)
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if !reflect.DeepEqual(first, second) {
		t.Errorf("parsing the same envelope twice produced different bulletins:\n%+v\n%+v", first, second)
	}
}

func TestParseHeaderFromBody(t *testing.T) {
	// WMO heading recovered from the product text when the envelope
	// does not announce it, code and office on separate lines.
	p := testParser()
	env := validEnvelope()
	env.TTAAII = ""
	env.CCCC = ""
	env.Text = "\n\nFXUS61\nKOUN 251200\n\nAREA FORECAST DISCUSSION"

	b, err := p.Parse(env)
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if b.TTAAII != "FXUS61" {
		t.Errorf("ttaaii = %q, want FXUS61", b.TTAAII)
	}
	if b.CCCC != "KOUN" {
		t.Errorf("cccc = %q, want KOUN", b.CCCC)
	}
}

func TestParseHeaderSingleLine(t *testing.T) {
	p := testParser()
	env := validEnvelope()
	env.TTAAII = ""
	env.CCCC = ""

	for name, text := range map[string]string{
		"lf":   "FXUS61 KOUN 251200\nAREA FORECAST DISCUSSION",
		"crlf": "FXUS61 KOUN 251200\r\nAREA FORECAST DISCUSSION",
		"cr":   "FXUS61 KOUN 251200\rAREA FORECAST DISCUSSION",
	} {
		t.Run(name, func(t *testing.T) {
			env.Text = text
			b, err := p.Parse(env)
			if err != nil {
				t.Fatalf("Parse failed: %v", err)
			}
			if b.TTAAII != "FXUS61" || b.CCCC != "KOUN" {
				t.Errorf("header = %s %s, want FXUS61 KOUN", b.TTAAII, b.CCCC)
			}
		})
	}
}

func TestParseErrors(t *testing.T) {
	p := testParser()

	tests := map[string]struct {
		mutate func(*Envelope)
		field  string
	}{
		"missing id": {
			mutate: func(e *Envelope) { e.ID = "" },
			field:  "id",
		},
		"missing header": {
			mutate: func(e *Envelope) { e.TTAAII, e.CCCC, e.Text = "", "", "no heading here at all" },
			field:  "ttaaii",
		},
		"malformed ttaaii": {
			mutate: func(e *Envelope) { e.TTAAII = "BAD" },
			field:  "ttaaii",
		},
		"malformed cccc": {
			mutate: func(e *Envelope) { e.CCCC = "TOOLONG" },
			field:  "cccc",
		},
		"missing issue": {
			mutate: func(e *Envelope) { e.Issue = "" },
			field:  "issue",
		},
		"unparsable issue": {
			mutate: func(e *Envelope) { e.Issue = "not-a-timestamp" },
			field:  "issue",
		},
		"issue missing timezone": {
			mutate: func(e *Envelope) { e.Issue = "2023-12-25T14:30:00" },
			field:  "issue",
		},
		"issue wrong separator": {
			mutate: func(e *Envelope) { e.Issue = "2023/12/25 14:30:00" },
			field:  "issue",
		},
		"issue date only": {
			mutate: func(e *Envelope) { e.Issue = "2023-12-25" },
			field:  "issue",
		},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			env := validEnvelope()
			tc.mutate(&env)
			b, err := p.Parse(env)
			if err == nil {
				t.Fatalf("Parse succeeded, want ParseError for %s (bulletin: %+v)", tc.field, b)
			}
			if !IsParseError(err, tc.field) {
				t.Errorf("error = %v, want ParseError for field %s", err, tc.field)
			}
		})
	}
}

func TestParseIssueFormats(t *testing.T) {
	p := testParser()

	for name, issue := range map[string]string{
		"zulu":       "2023-12-25T14:30:00Z",
		"millis":     "2023-12-25T14:30:00.123Z",
		"micros":     "2023-12-25T14:30:00.123456Z",
		"offset":     "2023-12-25T14:30:00+00:00",
		"neg offset": "2023-12-25T09:30:00-05:00",
	} {
		t.Run(name, func(t *testing.T) {
			env := validEnvelope()
			env.Issue = issue
			b, err := p.Parse(env)
			if err != nil {
				t.Fatalf("Parse failed: %v", err)
			}
			if b.IssuedAt.IsZero() {
				t.Error("issuance timestamp is zero")
			}
			if b.IssuedAt.Location() != time.UTC {
				t.Errorf("issuance not normalized to UTC: %v", b.IssuedAt)
			}
		})
	}
}

func TestParseDelay(t *testing.T) {
	t.Run("twelve second gap", func(t *testing.T) {
		p := testParser()
		env := validEnvelope()
		env.Issue = "2023-12-25T15:45:00Z"
		env.DelayStamp = "2023-12-25T15:45:00Z"
		env.Received = time.Date(2023, 12, 25, 15, 45, 12, 0, time.UTC)

		b, err := p.Parse(env)
		if err != nil {
			t.Fatalf("Parse failed: %v", err)
		}
		if !b.Delayed {
			t.Fatal("delay marker present, but bulletin not marked delayed")
		}
		if b.Delay != 12*time.Second {
			t.Errorf("delay = %v, want 12s", b.Delay)
		}
	})

	t.Run("future issuance clamps to zero", func(t *testing.T) {
		p := testParser()
		env := validEnvelope()
		env.Issue = "2030-12-25T15:45:00Z"
		env.DelayStamp = "2023-12-25T15:40:00Z"

		b, err := p.Parse(env)
		if err != nil {
			t.Fatalf("Parse failed: %v", err)
		}
		if b.Delay != 0 {
			t.Errorf("delay = %v, want 0 for future issuance", b.Delay)
		}
		if !b.Delayed {
			t.Error("delay marker present, but bulletin not marked delayed")
		}
	})

	t.Run("malformed stamp is ignored", func(t *testing.T) {
		p := testParser()
		env := validEnvelope()
		env.DelayStamp = "garbage"

		b, err := p.Parse(env)
		if err != nil {
			t.Fatalf("Parse failed: %v", err)
		}
		if b.Delayed {
			t.Error("malformed delay stamp should leave the delay absent")
		}
	})
}

func TestNoaaportFraming(t *testing.T) {
	p := testParser()
	env := validEnvelope()
	env.Text = "LINE ONE\r\nLINE TWO\rLINE THREE\nLINE FOUR"

	b, err := p.Parse(env)
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if !strings.HasPrefix(b.Body, "\x01") {
		t.Error("body does not start with SOH")
	}
	if !strings.HasSuffix(b.Body, "\x03") {
		t.Error("body does not end with ETX")
	}
	want := "\x01LINE ONE\r\r\nLINE TWO\r\r\nLINE THREE\r\r\nLINE FOUR\r\r\n\x03"
	if b.Body != want {
		t.Errorf("body = %q, want %q", b.Body, want)
	}
}

func TestNoaaportEmptyText(t *testing.T) {
	if got := toNoaaport(""); got != "\x01\x03" {
		t.Errorf("toNoaaport(\"\") = %q", got)
	}
}

func TestScanWMOHeaderDepthLimit(t *testing.T) {
	// A heading buried past the scan depth is not picked up.
	text := strings.Repeat("FILLER LINE\n", headerScanLines) + "FXUS61 KOUN"
	if _, _, ok := scanWMOHeader(text); ok {
		t.Error("heading beyond the scan depth was found")
	}
}
