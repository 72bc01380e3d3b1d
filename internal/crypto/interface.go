package crypto

// Provider defines the interface for cryptographic primitives.
type Provider interface {
	// DeriveKey derives a symmetric key from a password and salt.
	DeriveKey(password string, salt []byte) ([]byte, error)

	// EncryptData seals plaintext with AES-GCM under a fresh nonce.
	EncryptData(plaintext, key, aad []byte) (nonce, ciphertext []byte, err error)

	// DecryptData opens AES-GCM ciphertext.
	DecryptData(nonce, ciphertext, key, aad []byte) ([]byte, error)
}
