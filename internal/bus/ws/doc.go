// Package ws carries bus messages between processes over a websocket
// connection.
//
// Hub is the server side: it accepts peer connections, relays every
// frame to all other peers, and honors context.destination addressing.
// Client is the peer side: a bus.Bus whose subscriptions are served
// locally while publishes cross the wire, with automatic redial when
// the hub connection drops.
package ws
