package kv

import (
	"context"
	"fmt"
	"strings"

	"github.com/onnwee/stream-relay/crypto"
)

// Sealed encrypts values whose key starts with one of its prefixes. Other keys pass through
// so the dedup set stays cheap to read and inspect.
type Sealed struct {
	inner    Store
	sealer   crypto.Sealer
	prefixes []string
}

func NewSealed(inner Store, sealer crypto.Sealer, prefixes ...string) *Sealed {
	return &Sealed{inner: inner, sealer: sealer, prefixes: prefixes}
}

func (s *Sealed) sealedKey(key string) bool {
	for _, p := range s.prefixes {
		if strings.HasPrefix(key, p) {
			return true
		}
	}
	return false
}

func (s *Sealed) Get(ctx context.Context, key string) (string, bool, error) {
	v, ok, err := s.inner.Get(ctx, key)
	if err != nil || !ok || !s.sealedKey(key) {
		return v, ok, err
	}
	plain, err := s.sealer.Open(key, v)
	if err != nil {
		return "", false, fmt.Errorf("open %s: %w", key, err)
	}
	return plain, true, nil
}

func (s *Sealed) Set(ctx context.Context, key, value string) error {
	if s.sealedKey(key) {
		sealed, err := s.sealer.Seal(key, value)
		if err != nil {
			return fmt.Errorf("seal %s: %w", key, err)
		}
		value = sealed
	}
	return s.inner.Set(ctx, key, value)
}

func (s *Sealed) Delete(ctx context.Context, key string) error { return s.inner.Delete(ctx, key) }

func (s *Sealed) Ping(ctx context.Context) error { return Ping(ctx, s.inner) }

func (s *Sealed) Close() error { return Close(s.inner) }
