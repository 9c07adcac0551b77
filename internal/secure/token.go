package secure

import (
	"crypto/sha256"
	"crypto/subtle"
	"errors"
	"sync"

	"github.com/awnumar/memguard"
)

// ErrDestroyed is returned when a token is used after Destroy.
var ErrDestroyed = errors.New("token has been destroyed")

// Token holds the admin API token in an encrypted memory enclave. The
// plaintext only exists in a locked buffer for the duration of a
// comparison.
type Token struct {
	enclave *memguard.Enclave
	mu      sync.RWMutex
	// destroyed allows idempotent Destroy() calls and prevents use after
	// destroy
	destroyed bool
}

// NewToken creates a protected token from secret bytes. memguard wipes
// the input slice as part of sealing it into the enclave.
func NewToken(value []byte) (*Token, error) {
	if len(value) == 0 {
		return nil, errors.New("token must not be empty")
	}
	return &Token{enclave: memguard.NewEnclave(value)}, nil
}

// Matches reports whether candidate equals the stored token. Both sides
// are hashed and the digests compared with subtle.ConstantTimeCompare,
// so the comparison takes the same time regardless of where the inputs
// differ or how long they are.
func (t *Token) Matches(candidate []byte) (bool, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if t.destroyed {
		return false, ErrDestroyed
	}

	locked, err := t.enclave.Open()
	if err != nil {
		return false, err
	}
	defer locked.Destroy()

	want := sha256.Sum256(locked.Bytes())
	got := sha256.Sum256(candidate)
	return subtle.ConstantTimeCompare(want[:], got[:]) == 1, nil
}

// Destroy marks the token as destroyed and prevents further use. The
// enclave's encrypted data is garbage collected; full cleanup of all
// memguard state happens via memguard.Purge() at exit.
//
// This method is idempotent.
func (t *Token) Destroy() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.destroyed {
		return
	}
	t.enclave = nil
	t.destroyed = true
}
