// Package notify implements the WebSocket side of the control plane: the
// opening handshake, text frame encoding, and a hub of connected dashboard
// clients that receive stream state updates.
package notify

import (
	"crypto/sha1"
	"encoding/base64"
	"errors"
	"net/http"
	"strings"
)

// magicGUID is the fixed GUID from RFC 6455 section 1.3.
const magicGUID = "258EAFA5-E914-47DA-95CA-C5AB0DC85B11"

var (
	// ErrMissingKey is returned when an upgrade request has no
	// Sec-WebSocket-Key header.
	ErrMissingKey = errors.New("notify: missing Sec-WebSocket-Key")
	// ErrInvalidKey is returned when the key is not a base64 encoded
	// 16 byte nonce.
	ErrInvalidKey = errors.New("notify: invalid Sec-WebSocket-Key")
)

// AcceptKey computes the Sec-WebSocket-Accept value for a client key.
func AcceptKey(key string) string {
	h := sha1.New()
	h.Write([]byte(key))
	h.Write([]byte(magicGUID))
	return base64.StdEncoding.EncodeToString(h.Sum(nil))
}

// Handshake validates the client's key and returns the complete
// 101 Switching Protocols response to write back. On error nothing should be
// upgraded; the caller answers with 400.
func Handshake(h http.Header) ([]byte, error) {
	key := strings.TrimSpace(h.Get("Sec-WebSocket-Key"))
	if key == "" {
		return nil, ErrMissingKey
	}
	if nonce, err := base64.StdEncoding.DecodeString(key); err != nil || len(nonce) != 16 {
		return nil, ErrInvalidKey
	}

	var b strings.Builder
	b.WriteString("HTTP/1.1 101 Switching Protocols\r\n")
	b.WriteString("Upgrade: websocket\r\n")
	b.WriteString("Connection: Upgrade\r\n")
	b.WriteString("Sec-WebSocket-Accept: " + AcceptKey(key) + "\r\n")
	b.WriteString("\r\n")
	return []byte(b.String()), nil
}
