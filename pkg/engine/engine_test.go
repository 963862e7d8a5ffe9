package engine_test

import (
	"crypto/sha256"
	"errors"
	"sync"
	"testing"

	"github.com/kestrelfw/rot/pkg/engine"
)

// softHash is a software hash engine for tests. It fails or panics on demand
// to exercise the guard's exit paths.
type softHash struct {
	panicNext bool
	err       error
	active    bool
	sum       []byte
}

func (h *softHash) Sha256(data []byte) ([32]byte, error) {
	if h.panicNext {
		h.panicNext = false
		panic("engine fault")
	}
	if h.err != nil {
		return [32]byte{}, h.err
	}
	return sha256.Sum256(data), nil
}

func (h *softHash) StartSha256() error {
	h.active = true
	h.sum = nil
	return nil
}

func (h *softHash) Update(data []byte) error {
	if !h.active {
		return errors.New("no active digest")
	}
	h.sum = append(h.sum, data...)
	return nil
}

func (h *softHash) Finish(out []byte) (int, error) {
	if !h.active {
		return 0, errors.New("no active digest")
	}
	h.active = false
	digest := sha256.Sum256(h.sum)
	return copy(out, digest[:]), nil
}

func (h *softHash) Cancel() {
	h.active = false
}

func TestThreadSafeHashDelegates(t *testing.T) {
	ts := engine.NewThreadSafeHash(&softHash{})

	got, err := ts.Sha256([]byte("abc"))
	if err != nil {
		t.Fatal(err)
	}
	want := sha256.Sum256([]byte("abc"))
	if got != want {
		t.Errorf("digest mismatch: %x != %x", got, want)
	}
}

func TestThreadSafeHashUnlocksOnError(t *testing.T) {
	backing := &softHash{err: errors.New("engine busy")}
	ts := engine.NewThreadSafeHash(backing)

	if _, err := ts.Sha256([]byte("abc")); err == nil {
		t.Fatal("expected error from backing engine")
	}

	// The guard must have released: a second call must not deadlock.
	backing.err = nil
	if _, err := ts.Sha256([]byte("abc")); err != nil {
		t.Fatalf("engine left unusable after error: %v", err)
	}
}

func TestThreadSafeHashUnlocksOnPanic(t *testing.T) {
	backing := &softHash{panicNext: true}
	ts := engine.NewThreadSafeHash(backing)

	func() {
		defer func() {
			if recover() == nil {
				t.Fatal("expected panic to propagate")
			}
		}()
		_, _ = ts.Sha256([]byte("abc"))
	}()

	// The lock must survive the handler failure.
	if _, err := ts.Sha256([]byte("abc")); err != nil {
		t.Fatalf("engine left locked or unusable after panic: %v", err)
	}
}

func TestThreadSafeHashConcurrent(t *testing.T) {
	ts := engine.NewThreadSafeHash(&softHash{})
	want := sha256.Sum256([]byte("payload"))

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			got, err := ts.Sha256([]byte("payload"))
			if err != nil || got != want {
				t.Errorf("concurrent digest wrong: %x, %v", got, err)
			}
		}()
	}
	wg.Wait()
}

type softECC struct {
	calls int
}

func (e *softECC) Sign(digest []byte) ([]byte, error) {
	e.calls++
	return append([]byte{0x30}, digest...), nil
}

func (e *softECC) Verify(publicKey, digest, signature []byte) error {
	e.calls++
	return nil
}

func (e *softECC) SharedSecret(publicKey []byte) ([]byte, error) {
	e.calls++
	return []byte{0x01}, nil
}

func TestThreadSafeECCDelegates(t *testing.T) {
	backing := &softECC{}
	ts := engine.NewThreadSafeECC(backing)

	if _, err := ts.Sign([]byte{0x01}); err != nil {
		t.Fatal(err)
	}
	if err := ts.Verify(nil, nil, nil); err != nil {
		t.Fatal(err)
	}
	if _, err := ts.SharedSecret(nil); err != nil {
		t.Fatal(err)
	}
	if backing.calls != 3 {
		t.Errorf("backing engine saw %v calls, want 3", backing.calls)
	}
}
