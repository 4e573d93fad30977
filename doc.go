// Copyright (c) 2026, Peak Weather Labs. All rights reserved.
// Use of this source code is governed by a MIT
// license that can be found in the LICENSE file.

/*
Package nwws is a client for the NOAA Weather Wire Service Open
Interface (NWWS-OI), the National Weather Service's real-time weather
product feed delivered over XMPP.

# Goals

The client maintains a durable session against the NWWS-OI server:
it authenticates, joins the shared data room, and recovers
automatically from dropped connections, failed room joins, and
silently dead sessions, using exponential backoff between attempts.
Inbound messages are parsed into structured Bulletins carrying the
WMO heading (TTAAII and issuing office), the AWIPS product
identifier, the claimed issuance time, and the product text in
NOAAPORT framing.

# Usage

Create a Client from a Config (credentials are the only required
fields) and call Start. Bulletins can be consumed two ways, together
or separately: push handlers registered with Subscribe, and the
blocking pull interface (Receive, or the Bulletins iterator).

	cfg := nwws.Config{
		Username: os.Getenv("NWWS_USERNAME"),
		Password: os.Getenv("NWWS_PASSWORD"),
	}
	client, err := nwws.New(cfg)
	if err != nil {
		log.Fatal(err)
	}
	if err := client.Start(ctx); err != nil {
		log.Fatal(err)
	}
	defer client.Stop("done")

	for bulletin := range client.Bulletins(ctx) {
		fmt.Println(bulletin.TTAAII, bulletin.CCCC, bulletin.Subject)
	}

Push handlers run for every bulletin; a failing handler is logged and
isolated from the others:

	client.Subscribe(func(b *nwws.Bulletin) error {
		if strings.HasPrefix(b.AWIPSID, "TOR") {
			alert(b)
		}
		return nil
	})

The pull buffer is bounded: when a slow consumer falls behind, the
oldest buffered bulletin is dropped to admit the newest, so the feed
itself never stalls.

Authentication failures are terminal and surface from Start; every
other failure is retried under the backoff policy until the attempt
limit is reached.

# Relaying

The relay subpackage republishes bulletins to an AMQP topic exchange
for fan-out to consumers without NWWS-OI credentials. The nwwscat
command in cmd wires the two together.

NWWS-OI accounts are issued free of charge by the National Weather
Service; see https://www.weather.gov/nwws/ for signup.
*/
package nwws
