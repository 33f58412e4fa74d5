package storage

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"strings"

	"filippo.io/age"
)

// Sealed encrypts values with age before handing them to the wrapped store,
// so queued events and identifiers are unreadable at rest. Keys stay in the clear.
type Sealed struct {
	inner     Storage
	identity  *age.X25519Identity
	recipient *age.X25519Recipient
}

// NewSealed wraps inner with the given AGE-SECRET-KEY-1... identity.
func NewSealed(inner Storage, secretKey string) (*Sealed, error) {
	id, err := age.ParseX25519Identity(strings.TrimSpace(secretKey))
	if err != nil {
		return nil, fmt.Errorf("parse age identity: %w", err)
	}
	return &Sealed{inner: inner, identity: id, recipient: id.Recipient()}, nil
}

func (s *Sealed) Get(ctx context.Context, key string) (string, bool, error) {
	v, ok, err := s.inner.Get(ctx, key)
	if err != nil || !ok {
		return "", ok, err
	}
	raw, err := base64.StdEncoding.DecodeString(v)
	if err != nil {
		return "", false, fmt.Errorf("sealed %s: decode: %w", key, err)
	}
	r, err := age.Decrypt(bytes.NewReader(raw), s.identity)
	if err != nil {
		return "", false, fmt.Errorf("sealed %s: decrypt: %w", key, err)
	}
	plain, err := io.ReadAll(r)
	if err != nil {
		return "", false, fmt.Errorf("sealed %s: read: %w", key, err)
	}
	return string(plain), true, nil
}

func (s *Sealed) Set(ctx context.Context, key, value string) error {
	var buf bytes.Buffer
	w, err := age.Encrypt(&buf, s.recipient)
	if err != nil {
		return fmt.Errorf("sealed %s: encrypt: %w", key, err)
	}
	if _, err := io.WriteString(w, value); err != nil {
		return fmt.Errorf("sealed %s: write: %w", key, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("sealed %s: finalize: %w", key, err)
	}
	return s.inner.Set(ctx, key, base64.StdEncoding.EncodeToString(buf.Bytes()))
}

func (s *Sealed) Remove(ctx context.Context, key string) error {
	return s.inner.Remove(ctx, key)
}
