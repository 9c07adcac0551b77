// Package secure provides memory-safe handling of the admin API token.
//
// The token authorizes every mutating operation of the service, so it is
// held in a memguard enclave rather than a plain string:
//
//   - Encrypted at rest in memory (XSalsa20Poly1305)
//   - Protected from swapping via mlock
//   - Securely wiped when no longer needed
//   - Protected from buffer overflow via guard pages
//
// Comparison against presented credentials goes through Matches, which
// hashes both sides and compares the digests in constant time, so neither
// the token length nor a common prefix leaks through timing.
//
// Memory locking behavior varies by platform; if mlock is unavailable the
// enclave degrades to standard memory. For complete cleanup of all
// memguard data at application exit, call memguard.Purge() in main().
package secure
