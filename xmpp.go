// Copyright (c) 2026, Peak Weather Labs. All rights reserved.
// Use of this source code is governed by a MIT
// license that can be found in the LICENSE file.

package nwws

import (
	"context"
	"crypto/tls"
	"encoding/xml"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"mellium.im/sasl"
	"mellium.im/xmlstream"
	"mellium.im/xmpp"
	"mellium.im/xmpp/jid"
	"mellium.im/xmpp/muc"
	"mellium.im/xmpp/mux"
	"mellium.im/xmpp/stanza"
)

// oiNamespace is the XML namespace of the NWWS-OI metadata payload
// attached to every data message in the room.
const oiNamespace = "nwws-oi"

const disconnectTimeout = 5 * time.Second

// oiPayload is the <x xmlns="nwws-oi"> element carried by feed
// messages: product metadata in the attributes, product text in the
// character data.
type oiPayload struct {
	TTAAII  string `xml:"ttaaii,attr"`
	CCCC    string `xml:"cccc,attr"`
	Issue   string `xml:"issue,attr"`
	ID      string `xml:"id,attr"`
	AWIPSID string `xml:"awipsid,attr"`
	Text    string `xml:",chardata"`
}

// XMPPTransport is the production Transport: an XMPP stream negotiated
// with STARTTLS and SASL, a multi-user chat join for the data room,
// and groupchat stanza decoding into Envelopes.
type XMPPTransport struct {
	logger     *slog.Logger
	onMessage  func(Envelope)
	onActivity func()

	mu      sync.Mutex
	session *xmpp.Session
	channel *muc.Channel
	muc     *muc.Client
	events  chan TransportEvent
	cancel  context.CancelFunc
}

var _ Transport = (*XMPPTransport)(nil)

// NewXMPPTransport builds the default transport.
func NewXMPPTransport(logger *slog.Logger) *XMPPTransport {
	return &XMPPTransport{
		logger:     logger,
		onMessage:  func(Envelope) {},
		onActivity: func() {},
	}
}

// OnMessage registers the inbound data-message callback.
func (t *XMPPTransport) OnMessage(fn func(Envelope)) { t.onMessage = fn }

// OnActivity registers the raw-traffic callback, invoked for every
// stanza the stream delivers, presence included.
func (t *XMPPTransport) OnActivity(fn func()) { t.onActivity = fn }

// Connect dials the server and negotiates the stream in the
// background, reporting progress on the returned event channel.
func (t *XMPPTransport) Connect(ctx context.Context, settings ConnectSettings) (<-chan TransportEvent, error) {
	events := make(chan TransportEvent, 8)
	connCtx, cancel := context.WithCancel(ctx)

	t.mu.Lock()
	t.events = events
	t.cancel = cancel
	t.mu.Unlock()

	go t.establish(connCtx, settings, events)
	return events, nil
}

func (t *XMPPTransport) establish(ctx context.Context, settings ConnectSettings, events chan TransportEvent) {
	origin, err := jid.New(settings.Username, settings.Server, "")
	if err != nil {
		emit(events, EventConnectFailed, fmt.Errorf("bad address: %w", err))
		close(events)
		return
	}

	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "tcp", net.JoinHostPort(settings.Server, strconv.Itoa(settings.Port)))
	if err != nil {
		emit(events, EventConnectFailed, err)
		close(events)
		return
	}
	emit(events, EventConnected, nil)

	negotiator := xmpp.NewNegotiator(func(*xmpp.Session, *xmpp.StreamConfig) xmpp.StreamConfig {
		return xmpp.StreamConfig{
			Lang: "en",
			Features: []xmpp.StreamFeature{
				xmpp.StartTLS(&tls.Config{ServerName: settings.Server}),
				xmpp.SASL("", settings.Password, sasl.ScramSha1, sasl.Plain),
				xmpp.BindResource(),
			},
		}
	})
	session, err := xmpp.NewSession(ctx, origin.Domain(), origin, conn, 0, negotiator)
	if err != nil {
		conn.Close()
		if isAuthRejection(err) {
			emit(events, EventAuthFailed, err)
		} else {
			emit(events, EventConnectFailed, err)
		}
		close(events)
		return
	}
	emit(events, EventAuthenticated, nil)

	mucClient := &muc.Client{}
	t.mu.Lock()
	t.session = session
	t.muc = mucClient
	t.mu.Unlock()

	// Close the stream when the lifecycle context ends so Serve
	// unblocks during shutdown.
	go func() {
		<-ctx.Done()
		session.Close()
	}()

	handler := mux.New(stanza.NSClient,
		muc.HandleClient(mucClient),
		mux.MessageFunc(stanza.GroupChatMessage, xml.Name{}, t.handleGroupchat),
		mux.PresenceFunc(stanza.AvailablePresence, xml.Name{}, t.handlePresence),
	)

	emit(events, EventSessionReady, nil)

	err = session.Serve(handler)
	emit(events, EventDisconnected, err)
	close(events)
}

// isAuthRejection distinguishes a credential rejection from a
// transport-level negotiation failure. Mellium surfaces SASL failures
// as stream errors; the condition name is the stable part.
func isAuthRejection(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "not-authorized") ||
		strings.Contains(msg, "credentials") ||
		strings.Contains(msg, "sasl")
}

// JoinRoom requests membership in the data room. The outcome arrives
// on the connection's event channel.
func (t *XMPPTransport) JoinRoom(ctx context.Context, room, nickname string, history int) error {
	t.mu.Lock()
	session, mucClient, events := t.session, t.muc, t.events
	t.mu.Unlock()
	if session == nil {
		return fmt.Errorf("nwws: room join requested before session establishment")
	}

	roomJID, err := jid.Parse(room + "/" + nickname)
	if err != nil {
		return fmt.Errorf("nwws: bad room address %q: %w", room, err)
	}

	go func() {
		channel, err := mucClient.Join(ctx, roomJID, session, muc.MaxHistory(uint64(history)))
		if err != nil {
			emit(events, EventJoinFailed, err)
			return
		}
		t.mu.Lock()
		t.channel = channel
		t.mu.Unlock()
		emit(events, EventJoined, nil)
	}()
	return nil
}

// Disconnect leaves the room if joined and closes the stream.
func (t *XMPPTransport) Disconnect(reason string) error {
	t.mu.Lock()
	session, channel, cancel := t.session, t.channel, t.cancel
	t.session, t.channel, t.muc, t.cancel = nil, nil, nil, nil
	t.mu.Unlock()

	if channel != nil {
		ctx, done := context.WithTimeout(context.Background(), disconnectTimeout)
		if err := channel.Leave(ctx, reason); err != nil {
			t.logger.Debug("room leave failed", "error", err)
		}
		done()
	}
	var err error
	if session != nil {
		err = session.Close()
	}
	if cancel != nil {
		cancel()
	}
	if err != nil {
		return &TransportError{Op: "disconnect", Err: err}
	}
	return nil
}

func (t *XMPPTransport) handleGroupchat(m stanza.Message, r xmlstream.TokenReadEncoder) error {
	t.onActivity()

	d := xml.NewTokenDecoder(r)
	var msg struct {
		stanza.Message
		Subject string    `xml:"subject"`
		Body    string    `xml:"body"`
		X       oiPayload `xml:"nwws-oi x"`
		Delay   struct {
			Stamp string `xml:"stamp,attr"`
		} `xml:"urn:xmpp:delay delay"`
	}
	if err := d.Decode(&msg); err != nil {
		return fmt.Errorf("decoding groupchat message: %w", err)
	}

	t.onMessage(Envelope{
		Subject:    msg.Subject,
		Text:       msg.X.Text,
		ID:         msg.X.ID,
		Issue:      msg.X.Issue,
		TTAAII:     msg.X.TTAAII,
		CCCC:       msg.X.CCCC,
		AWIPSID:    msg.X.AWIPSID,
		DelayStamp: msg.Delay.Stamp,
		Received:   time.Now().UTC(),
	})
	return nil
}

// handlePresence only ticks the activity clock: room presence and
// server keepalives count as proof of life for idle detection.
func (t *XMPPTransport) handlePresence(p stanza.Presence, r xmlstream.TokenReadEncoder) error {
	t.onActivity()
	return nil
}

func emit(events chan<- TransportEvent, kind EventKind, err error) {
	// The consumer drains promptly while the session runs; after it
	// abandons a connection the stale channel must not wedge this
	// goroutine, so late events are dropped instead.
	select {
	case events <- TransportEvent{Kind: kind, Err: err}:
	default:
	}
}
