// Package engine defines the cryptographic capabilities the command layer
// consumes and the mutual-exclusion wrappers that make shared engine
// hardware safe to call from several channels at once.
//
// Engines are capability records: a named method set with a documented
// contract. Implementations wrap hardware or a software fallback; tests
// substitute mocks. The thread-safe wrappers are the only place a lock is
// held around an engine, and they release it on every exit path, panics
// included, so a failing handler can never leave an engine locked.
package engine

import "sync"

// Hash is the hashing capability.
type Hash interface {
	// Sha256 digests data in one shot.
	Sha256(data []byte) ([32]byte, error)

	// StartSha256 begins an incremental digest. Only one incremental
	// operation may be active per engine; Update and Finish apply to it.
	StartSha256() error
	Update(data []byte) error
	Finish(out []byte) (int, error)

	// Cancel abandons an incremental digest.
	Cancel()
}

// ECC is the elliptic-curve capability used for challenge signing and key
// agreement.
type ECC interface {
	// Sign produces a DER-encoded signature over digest with the device
	// identity key.
	Sign(digest []byte) ([]byte, error)

	// Verify checks a DER-encoded signature over digest against a DER
	// public key.
	Verify(publicKey, digest, signature []byte) error

	// SharedSecret derives the key-agreement secret against a DER public
	// key.
	SharedSecret(publicKey []byte) ([]byte, error)
}

// RNG is the random source for nonces and session keys.
type RNG interface {
	Random(out []byte) error
}

// ThreadSafeHash serializes access to a backing hash engine. The zero value
// is not usable; wrap with NewThreadSafeHash.
type ThreadSafeHash struct {
	engine Hash
	mu     sync.Mutex
}

// NewThreadSafeHash wraps a hash engine in a mutual-exclusion guard.
func NewThreadSafeHash(engine Hash) *ThreadSafeHash {
	return &ThreadSafeHash{engine: engine}
}

func (h *ThreadSafeHash) Sha256(data []byte) ([32]byte, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.engine.Sha256(data)
}

func (h *ThreadSafeHash) StartSha256() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.engine.StartSha256()
}

func (h *ThreadSafeHash) Update(data []byte) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.engine.Update(data)
}

func (h *ThreadSafeHash) Finish(out []byte) (int, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.engine.Finish(out)
}

func (h *ThreadSafeHash) Cancel() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.engine.Cancel()
}

// ThreadSafeECC serializes access to a backing ECC engine.
type ThreadSafeECC struct {
	engine ECC
	mu     sync.Mutex
}

// NewThreadSafeECC wraps an ECC engine in a mutual-exclusion guard.
func NewThreadSafeECC(engine ECC) *ThreadSafeECC {
	return &ThreadSafeECC{engine: engine}
}

func (e *ThreadSafeECC) Sign(digest []byte) ([]byte, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.engine.Sign(digest)
}

func (e *ThreadSafeECC) Verify(publicKey, digest, signature []byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.engine.Verify(publicKey, digest, signature)
}

func (e *ThreadSafeECC) SharedSecret(publicKey []byte) ([]byte, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.engine.SharedSecret(publicKey)
}

// ThreadSafeRNG serializes access to a backing random source.
type ThreadSafeRNG struct {
	engine RNG
	mu     sync.Mutex
}

// NewThreadSafeRNG wraps a random source in a mutual-exclusion guard.
func NewThreadSafeRNG(engine RNG) *ThreadSafeRNG {
	return &ThreadSafeRNG{engine: engine}
}

func (r *ThreadSafeRNG) Random(out []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.engine.Random(out)
}
