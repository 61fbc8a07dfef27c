// Package ipc keeps cipher single-instance.
//
// The first process listens on a loopback websocket endpoint. Later
// processes connect, forward their argv as one JSON message and exit with
// the server's verdict:
//
//	client                          server
//	  │── {"code":0,"argv":[...]} ──▶ │  route argv on the loop
//	  │◀──── {"code":200} ─────────── │
//	  ╳ exit 0                        ╳ close connection
//
// Exactly one request and one response are exchanged per connection.
package ipc
