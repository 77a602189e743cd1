// Package crypto provides the cryptographic building blocks of the LLP
// engine: AEAD primitives, key derivation, key exchange, the layered
// encryption pipeline, and the handshake admission puzzle.
//
// Keys, nonces, padding and puzzle challenges all come from Reader. Layer
// operations are pure functions of their inputs and are safe for
// concurrent use.
package crypto
