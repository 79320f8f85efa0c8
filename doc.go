// Package dmesh is a cryptographic messaging library for delay-tolerant,
// relay-agnostic emergency communication between human-scale peer sets.
//
// It produces and verifies self-authenticating end-to-end encrypted
// messages, stores and forwards them across intermittent untrusted
// transports, and reconciles inventories between briefly connected peers
// without a server.
//
// # Construction
//
// Messages are sealed with NaCl box (X25519 + XSalsa20 + Poly1305) under a
// fresh ephemeral key per message, then signed with the sender's long-term
// Ed25519 identity over a domain-separated byte string that binds the
// recipient's public key, the ephemeral key, the nonce, the timestamp, and
// the ciphertext. Binding the recipient inside the signed bytes prevents
// re-targeting a valid envelope; the fresh ephemeral secret, destroyed
// after sealing, approximates forward secrecy against long-term key
// compromise.
//
// Party identifiers are fingerprints: the first 16 bytes of SHA-512 of the
// signing public key. Message identifiers are the first 32 bytes of
// SHA-512 of the ciphertext, so any holder can verify an id without key
// material.
//
// # Surfaces
//
// Callers observe four surfaces:
//
//   - Crypto: pure functions ([Encrypt], [Decrypt], [Fingerprint],
//     [MessageID], [SafetyNumber]) plus the fixed-order decrypt pipeline.
//   - Store: the persistent collections in package store, pluggable via
//     the store.Store contract (in-memory and Redis engines ship here).
//   - Transport: capability-polymorphic carriers in package transport
//     (clipboard, QR with chunked reception, file) behind a manager.
//   - Sync: the five-phase HELLO/INV/GET/DATA/ACK exchange in package
//     peersync, runnable over any bidirectional byte channel.
//
// [Messenger] ties the four together for embedding applications.
//
// # Validity modes
//
// Two modes coexist: [ModeStrict] (v1.0) bounds clock skew between peers,
// [ModeDelayTolerant] (v1.1) validates only the expiration stamp, which is
// what store-and-forward over day-long delays needs. The mode is explicit
// configuration, never inferred.
//
// # Errors
//
// Every failure carries a stable code and a category ([Classify],
// [CodeOf]); sentinel values support errors.Is at any depth. Decrypt
// failures identify the first failing check and never write to the inbox.
// The seen-set is marked only after the signature verifies, so the one
// failure that leaves a seen entry is a signed envelope whose box then
// fails to open.
package dmesh
