// Package entropy provides the secure random source used for key generation
package entropy

import (
	"context"
	"crypto/rand"
	"fmt"
	"io"

	"github.com/root-sector-ltd-and-co-kg/key-lifecycle-module/types"
)

// Source reads key material from a cryptographically secure reader.
// The zero value is not usable; use NewSource or NewReaderSource.
type Source struct {
	reader io.Reader
}

// NewSource returns a Source backed by crypto/rand
func NewSource() *Source {
	return &Source{reader: rand.Reader}
}

// NewReaderSource returns a Source backed by r. Only secure readers belong here.
func NewReaderSource(r io.Reader) *Source {
	return &Source{reader: r}
}

type readResult struct {
	buf []byte
	err error
}

// Generate returns n random bytes.
// The read happens off the calling goroutine so a stalled reader never outlives ctx.
func (s *Source) Generate(ctx context.Context, n int) ([]byte, error) {
	if n <= 0 {
		return nil, fmt.Errorf("invalid entropy length %d", n)
	}
	if s == nil || s.reader == nil {
		return nil, fmt.Errorf("%w: no reader configured", types.ErrEntropyUnavailable)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	done := make(chan readResult, 1)
	go func() {
		buf := make([]byte, n)
		_, err := io.ReadFull(s.reader, buf)
		done <- readResult{buf: buf, err: err}
	}()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-done:
		if res.err != nil {
			return nil, fmt.Errorf("%w: failed to read %d bytes: %v", types.ErrEntropyUnavailable, n, res.err)
		}
		// All zeros is astronomically unlikely from a healthy source
		if isZero(res.buf) {
			return nil, fmt.Errorf("%w: generated material is all zeros", types.ErrEntropyUnavailable)
		}
		return res.buf, nil
	}
}

func isZero(b []byte) bool {
	for _, v := range b {
		if v != 0 {
			return false
		}
	}
	return true
}
