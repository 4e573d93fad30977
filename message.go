// Copyright (c) 2026, Peak Weather Labs. All rights reserved.
// Use of this source code is governed by a MIT
// license that can be found in the LICENSE file.

package nwws

import (
	"strings"
	"time"
)

// Envelope is a raw inbound data message as reported by the transport:
// the stanza subject and product text plus the NWWS-OI metadata payload
// attributes, before any validation. The parser turns an Envelope into
// a Bulletin.
type Envelope struct {
	Subject string // stanza subject line
	Text    string // product text carried in the nwws-oi payload
	ID      string // producing process identity + sequence number
	Issue   string // claimed issuance timestamp, textual
	TTAAII  string // six-character product type and time group, if announced
	CCCC    string // four-character issuing office, if announced
	AWIPSID string // AWIPS product identifier, if any

	// DelayStamp is the raw XEP-0203 delay timestamp, empty when the
	// message was not flagged as delayed in transit.
	DelayStamp string

	// Received is when the transport observed the message.
	Received time.Time
}

// Bulletin is a structured weather product extracted from the feed.
// Bulletins are immutable after creation; the queue and all subscribers
// share the same value read-only.
type Bulletin struct {
	// Subject is the free-text subject line of the source message.
	Subject string
	// Body is the full product text in NOAAPORT framing: an SOH byte,
	// lines terminated with \r\r\n, and a trailing ETX byte.
	Body string
	// ID identifies the message within one upstream producer's
	// lifetime (process identity plus sequence number).
	ID string
	// IssuedAt is the timestamp the bulletin claims as its issuance.
	IssuedAt time.Time
	// TTAAII is the six-character WMO code naming the product type and
	// originating time group (e.g. "FXUS61").
	TTAAII string
	// CCCC is the four-character code of the issuing office
	// (e.g. "KOUN").
	CCCC string
	// AWIPSID is the AWIPS product identifier; empty for products that
	// do not carry one.
	AWIPSID string
	// Delay is the gap between claimed issuance and receipt, present
	// only when the message carried a delay marker. Never negative.
	Delay time.Duration
	// Delayed reports whether the message carried a delay marker.
	Delayed bool
}

const (
	noaaportSOH = "\x01"
	noaaportETX = "\x03"
)

// toNoaaport converts product text to NOAAPORT framing: SOH, lines
// terminated with \r\r\n, ETX. CR, LF, and CRLF line endings in the
// input are all treated as line breaks.
func toNoaaport(text string) string {
	lines := splitLines(text)
	var b strings.Builder
	b.Grow(len(text) + len(lines)*2 + 2)
	b.WriteString(noaaportSOH)
	for _, line := range lines {
		b.WriteString(line)
		b.WriteString("\r\r\n")
	}
	b.WriteString(noaaportETX)
	return b.String()
}

// splitLines splits text on CR, LF, or CRLF. Empty input yields no
// lines at all rather than a single empty line.
func splitLines(text string) []string {
	if text == "" {
		return nil
	}
	normalized := strings.ReplaceAll(text, "\r\n", "\n")
	normalized = strings.ReplaceAll(normalized, "\r", "\n")
	return strings.Split(normalized, "\n")
}
