package transport

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/tls"

	"github.com/google/uuid"

	"github.com/tuic-go/tuic/internal/protocol"
)

// deriveToken computes the Authenticate frame's proof-of-password: an HMAC
// over the connection's TLS exporter keying material, keyed by the
// password, binding the proof to this specific QUIC connection so a
// captured token cannot be replayed on another one.
func deriveToken(id uuid.UUID, password string, state tls.ConnectionState) [protocol.TokenSize]byte {
	var token [protocol.TokenSize]byte

	material, err := state.ExportKeyingMaterial("tuic-authenticate", id[:], protocol.TokenSize)
	if err != nil {
		// ExportKeyingMaterial only fails before the handshake completes,
		// which cannot happen here since we hold a live ConnectionState;
		// falling back to a zero token just fails authentication loudly at
		// the server rather than panicking the client.
		return token
	}

	mac := hmac.New(sha256.New, []byte(password))
	mac.Write(material)
	copy(token[:], mac.Sum(nil))
	return token
}
