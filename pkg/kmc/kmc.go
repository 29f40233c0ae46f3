// Package kmc provides a secure in-memory container for sensitive bytes
// (etcd client credentials, proportion-calculator cluster overrides),
// grounded on original_source's KmcSecureString: a move-only buffer that
// is explicitly zeroed on release rather than left for the allocator to
// reuse unscrubbed. The original's KMC-backed PEM/password decryption
// path (KmcDecryptor) is PEM/TLS-credential plumbing, which spec.md §1
// puts out of scope as an external collaborator concern; only the
// secure-memory container survives the port.
package kmc

import (
	"runtime"
	"sync"
)

// SecureString holds a byte slice that must be wiped before it is
// released. It is not safe to copy a SecureString value — always pass
// *SecureString, mirroring the reference's deleted copy constructor.
type SecureString struct {
	mu    sync.Mutex
	data  []byte
	valid bool
}

// New copies data into a freshly allocated, GC-finalized SecureString.
// The caller's slice is not retained; zero it yourself if it held the
// only other copy.
func New(data []byte) *SecureString {
	s := &SecureString{
		data:  append([]byte(nil), data...),
		valid: len(data) > 0,
	}
	runtime.SetFinalizer(s, (*SecureString).Clear)
	return s
}

// IsValid reports whether the container still holds content.
func (s *SecureString) IsValid() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.valid
}

// Len returns the content length, 0 once cleared.
func (s *SecureString) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.data)
}

// Content returns the underlying bytes. The returned slice aliases the
// container's backing array and must not be retained past a Clear call.
func (s *SecureString) Content() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data
}

// Clear overwrites the backing array with zeroes and marks the container
// invalid. Safe to call more than once.
func (s *SecureString) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.data {
		s.data[i] = 0
	}
	s.data = nil
	s.valid = false
}

// Close is Clear under the io.Closer name, for defer-friendly call sites.
func (s *SecureString) Close() error {
	s.Clear()
	return nil
}
