package models

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

const (
	// BlobFormatVersion is the current wire format version.
	BlobFormatVersion = "1.0"

	// IVSize is the AES-GCM nonce length carried by every blob.
	IVSize = 12

	// TagSize is the GCM authentication tag appended to the ciphertext.
	TagSize = 16

	// ContextHabitData tags habit records.
	ContextHabitData = "habit-data"
)

// EncryptedBlob is an immutable authenticated ciphertext plus the metadata
// needed to open it. Only the encryption engine creates or opens blobs.
type EncryptedBlob struct {
	Ciphertext []byte
	IV         []byte
	CreatedAt  time.Time
	Context    string
	Version    string
}

// Validate checks the structural invariants of a blob.
func (b *EncryptedBlob) Validate() error {
	if b == nil {
		return fmt.Errorf("%w: nil blob", ErrInvalidFormat)
	}
	if len(b.IV) != IVSize {
		return fmt.Errorf("%w: iv must be %d bytes, got %d", ErrInvalidFormat, IVSize, len(b.IV))
	}
	if len(b.Ciphertext) < TagSize {
		return fmt.Errorf("%w: ciphertext shorter than authentication tag", ErrInvalidFormat)
	}
	if b.Context == "" {
		return fmt.Errorf("%w: missing context", ErrInvalidFormat)
	}
	if b.Version != BlobFormatVersion {
		return fmt.Errorf("%w: unsupported version %q", ErrInvalidFormat, b.Version)
	}
	return nil
}

// Clone returns a deep copy.
func (b *EncryptedBlob) Clone() *EncryptedBlob {
	if b == nil {
		return nil
	}
	return &EncryptedBlob{
		Ciphertext: append([]byte(nil), b.Ciphertext...),
		IV:         append([]byte(nil), b.IV...),
		CreatedAt:  b.CreatedAt,
		Context:    b.Context,
		Version:    b.Version,
	}
}

// wireBlob is the persisted representation.
type wireBlob struct {
	Data      ByteSeq `json:"data"`
	IV        ByteSeq `json:"iv"`
	Timestamp int64   `json:"timestamp"`
	Context   string  `json:"context"`
	Version   string  `json:"version"`
}

// MarshalJSON encodes the blob in the remote wire format.
func (b EncryptedBlob) MarshalJSON() ([]byte, error) {
	return json.Marshal(wireBlob{
		Data:      b.Ciphertext,
		IV:        b.IV,
		Timestamp: b.CreatedAt.UnixMilli(),
		Context:   b.Context,
		Version:   b.Version,
	})
}

// UnmarshalJSON decodes the remote wire format. Structural checks are left
// to Validate so callers can tell malformed JSON from a malformed blob.
func (b *EncryptedBlob) UnmarshalJSON(data []byte) error {
	var w wireBlob
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	b.Ciphertext = w.Data
	b.IV = w.IV
	b.CreatedAt = time.UnixMilli(w.Timestamp).UTC()
	b.Context = w.Context
	b.Version = w.Version
	return nil
}

// EncodeBlob serializes and validates a blob for transmission.
func EncodeBlob(b *EncryptedBlob) ([]byte, error) {
	if err := b.Validate(); err != nil {
		return nil, err
	}
	return json.Marshal(b)
}

// DecodeBlob parses and validates a blob received from a backend.
func DecodeBlob(data []byte) (*EncryptedBlob, error) {
	var b EncryptedBlob
	if err := json.Unmarshal(data, &b); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidFormat, err)
	}
	if err := b.Validate(); err != nil {
		return nil, err
	}
	return &b, nil
}

// ByteSeq is a byte slice encoded as a JSON array of integers. Base64
// strings are accepted when decoding.
type ByteSeq []byte

// MarshalJSON implements json.Marshaler.
func (s ByteSeq) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.Grow(len(s)*4 + 2)
	buf.WriteByte('[')
	for i, c := range s {
		if i > 0 {
			buf.WriteByte(',')
		}
		buf.WriteString(strconv.Itoa(int(c)))
	}
	buf.WriteByte(']')
	return buf.Bytes(), nil
}

// UnmarshalJSON implements json.Unmarshaler.
func (s *ByteSeq) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*s = nil
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var str string
		if err := json.Unmarshal(data, &str); err != nil {
			return err
		}
		decoded, err := base64.StdEncoding.DecodeString(str)
		if err != nil {
			return fmt.Errorf("decode base64 bytes: %w", err)
		}
		*s = decoded
		return nil
	}

	var ints []int
	if err := json.Unmarshal(data, &ints); err != nil {
		return err
	}
	out := make([]byte, len(ints))
	for i, v := range ints {
		if v < 0 || v > 255 {
			return fmt.Errorf("byte value out of range at %d: %d", i, v)
		}
		out[i] = byte(v)
	}
	*s = out
	return nil
}
