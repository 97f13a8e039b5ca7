// Package net implements the wire format of the game transport.
//
// A Message is a typed payload reduced to its command identifier, sub-code
// and body. A Frame is one datagram: a small checksummed header followed by
// the message body as encrypted by a secrets.Key.
package net
