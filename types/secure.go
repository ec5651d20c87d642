package types

import (
	"crypto/subtle"
	"runtime"
)

// SecureBytes holds secret material and wipes it when cleared or garbage collected
type SecureBytes struct {
	data []byte
}

// NewSecureBytes copies data into a new secure buffer
func NewSecureBytes(data []byte) *SecureBytes {
	secure := &SecureBytes{
		data: make([]byte, len(data)),
	}
	subtle.ConstantTimeCopy(1, secure.data, data)

	runtime.SetFinalizer(secure, (*SecureBytes).Clear)
	return secure
}

// Clear overwrites the buffer with zeros and releases it
func (s *SecureBytes) Clear() {
	if s == nil || s.data == nil {
		return
	}
	for i := range s.data {
		s.data[i] = 0
	}
	runtime.KeepAlive(s.data)
	s.data = nil
}

// Len returns the buffer length, zero once cleared
func (s *SecureBytes) Len() int {
	if s == nil {
		return 0
	}
	return len(s.data)
}

// Get returns a copy of the data
func (s *SecureBytes) Get() []byte {
	if s == nil || s.data == nil {
		return nil
	}
	result := make([]byte, len(s.data))
	subtle.ConstantTimeCopy(1, result, s.data)
	return result
}

// Equal compares two buffers in constant time
func (s *SecureBytes) Equal(other *SecureBytes) bool {
	if s.Len() != other.Len() {
		return false
	}
	return subtle.ConstantTimeCompare(s.data, other.data) == 1
}
