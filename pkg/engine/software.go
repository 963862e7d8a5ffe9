package engine

import (
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"hash"
)

// SoftwareHash is a software implementation of the hash capability, used
// where no hardware engine is fitted.
type SoftwareHash struct {
	active hash.Hash
}

// NewSoftwareHash returns a software hash engine.
func NewSoftwareHash() *SoftwareHash {
	return &SoftwareHash{}
}

func (h *SoftwareHash) Sha256(data []byte) ([32]byte, error) {
	return sha256.Sum256(data), nil
}

func (h *SoftwareHash) StartSha256() error {
	if h.active != nil {
		return errors.New("engine: digest already in progress")
	}
	h.active = sha256.New()
	return nil
}

func (h *SoftwareHash) Update(data []byte) error {
	if h.active == nil {
		return errors.New("engine: no digest in progress")
	}
	h.active.Write(data)
	return nil
}

func (h *SoftwareHash) Finish(out []byte) (int, error) {
	if h.active == nil {
		return 0, errors.New("engine: no digest in progress")
	}
	digest := h.active.Sum(nil)
	if len(out) < len(digest) {
		return 0, errors.New("engine: output buffer too small")
	}
	h.active = nil
	return copy(out, digest), nil
}

func (h *SoftwareHash) Cancel() {
	h.active = nil
}

// SoftwareRNG is a software random source backed by the platform entropy
// pool.
type SoftwareRNG struct{}

func (SoftwareRNG) Random(out []byte) error {
	_, err := rand.Read(out)
	return err
}
