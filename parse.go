// Copyright (c) 2026, Peak Weather Labs. All rights reserved.
// Use of this source code is governed by a MIT
// license that can be found in the LICENSE file.

package nwws

import (
	"regexp"
	"strings"
	"time"
)

var (
	ttaaiiPattern = regexp.MustCompile(`^[A-Z]{4}[0-9]{2}$`)
	ccccPattern   = regexp.MustCompile(`^[A-Z][A-Z0-9]{3}$`)
)

// headerScanLines bounds how deep into the product text the fallback
// WMO header scan looks before giving up.
const headerScanLines = 5

// Parser turns raw message envelopes into Bulletins. It holds no state
// and performs no I/O; parsing the same envelope twice yields equal
// Bulletins.
type Parser struct {
	// IssueFormats are the accepted issuance timestamp layouts, tried
	// in order. Must not be empty.
	IssueFormats []string
}

// Parse validates an envelope and produces a Bulletin, or a *ParseError
// naming the missing or malformed field. A malformed delay stamp is not
// fatal; the delay is simply absent.
func (p Parser) Parse(env Envelope) (*Bulletin, error) {
	if env.ID == "" {
		return nil, &ParseError{Field: "id", Reason: "missing"}
	}

	ttaaii, cccc := env.TTAAII, env.CCCC
	if ttaaii == "" || cccc == "" {
		scannedTTAAII, scannedCCCC, ok := scanWMOHeader(env.Text)
		if ttaaii == "" {
			ttaaii = scannedTTAAII
		}
		if cccc == "" {
			cccc = scannedCCCC
		}
		if !ok && (ttaaii == "" || cccc == "") {
			if ttaaii == "" {
				return nil, &ParseError{Field: "ttaaii", Reason: "no WMO header found in envelope or product text"}
			}
			return nil, &ParseError{Field: "cccc", Reason: "no issuing office found in envelope or product text"}
		}
	}
	if !ttaaiiPattern.MatchString(ttaaii) {
		return nil, &ParseError{Field: "ttaaii", Reason: "malformed code " + quote(ttaaii)}
	}
	if !ccccPattern.MatchString(cccc) {
		return nil, &ParseError{Field: "cccc", Reason: "malformed code " + quote(cccc)}
	}

	issuedAt, err := p.parseIssue(env.Issue)
	if err != nil {
		return nil, err
	}

	bulletin := &Bulletin{
		Subject:  env.Subject,
		Body:     toNoaaport(env.Text),
		ID:       env.ID,
		IssuedAt: issuedAt,
		TTAAII:   ttaaii,
		CCCC:     cccc,
		AWIPSID:  env.AWIPSID,
	}

	// A delay marker makes the issuance-to-receipt gap meaningful.
	// Malformed stamps are ignored rather than rejected.
	if env.DelayStamp != "" {
		if _, err := p.parseTimestamp(env.DelayStamp); err == nil {
			delay := env.Received.Sub(issuedAt)
			if delay < 0 {
				delay = 0
			}
			bulletin.Delay = delay
			bulletin.Delayed = true
		}
	}

	return bulletin, nil
}

// parseIssue parses the claimed issuance timestamp, trying each
// configured layout in order.
func (p Parser) parseIssue(raw string) (time.Time, error) {
	if raw == "" {
		return time.Time{}, &ParseError{Field: "issue", Reason: "missing"}
	}
	issuedAt, err := p.parseTimestamp(raw)
	if err != nil {
		return time.Time{}, &ParseError{Field: "issue", Reason: "unrecognized timestamp " + quote(raw)}
	}
	return issuedAt, nil
}

func (p Parser) parseTimestamp(raw string) (time.Time, error) {
	var lastErr error
	for _, layout := range p.IssueFormats {
		parsed, err := time.Parse(layout, raw)
		if err == nil {
			return parsed.UTC(), nil
		}
		lastErr = err
	}
	if lastErr == nil {
		lastErr = &ParseError{Field: "issue", Reason: "no timestamp layouts configured"}
	}
	return time.Time{}, lastErr
}

// scanWMOHeader looks for a WMO abbreviated heading in the leading
// lines of the product text: a TTAAII token (four letters, two digits)
// followed by the four-character issuing office, either on the same
// line or the next. Leading blank lines and framing control characters
// are tolerated.
func scanWMOHeader(text string) (ttaaii, cccc string, ok bool) {
	var tokens []string
	seen := 0
	for _, line := range splitLines(text) {
		line = strings.TrimFunc(line, func(r rune) bool {
			return r < ' ' || r == ' '
		})
		if line == "" {
			continue
		}
		tokens = append(tokens, strings.Fields(line)...)
		if seen++; seen >= headerScanLines {
			break
		}
	}
	for i, token := range tokens {
		if !ttaaiiPattern.MatchString(token) {
			continue
		}
		ttaaii = token
		if i+1 < len(tokens) && ccccPattern.MatchString(tokens[i+1]) {
			return ttaaii, tokens[i+1], true
		}
		return ttaaii, "", false
	}
	return "", "", false
}

// quote quotes a suspect field value for error messages, capping the
// length so a whole product body never lands in a log line.
func quote(value string) string {
	const max = 32
	if len(value) > max {
		value = value[:max] + "…"
	}
	return "\"" + value + "\""
}
