package archive

import (
	"bytes"
	"fmt"
	"io"
	"os"

	"filippo.io/age"
)

// Keyring holds the age identities used to decrypt an encrypted archive
// and, when generating fixtures, the recipients to encrypt for.
type Keyring struct {
	identities []age.Identity
	recipients []age.Recipient
}

// LoadKeyring reads age identities from a file in the age-keygen output
// format (one identity per line, # comments allowed).
func LoadKeyring(path string) (*Keyring, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening keyring: %w", err)
	}
	defer f.Close()
	ids, err := age.ParseIdentities(f)
	if err != nil {
		return nil, fmt.Errorf("parsing keyring %s: %w", path, err)
	}
	return NewKeyring(ids...), nil
}

// NewKeyring builds a keyring from identities. X25519 identities also
// register their recipient side so the keyring can encrypt.
func NewKeyring(ids ...age.Identity) *Keyring {
	k := &Keyring{identities: ids}
	for _, id := range ids {
		if x, ok := id.(*age.X25519Identity); ok {
			k.recipients = append(k.recipients, x.Recipient())
		}
	}
	return k
}

// Decrypt wraps r with age decryption using the keyring's identities. A nil
// or empty keyring fails with ErrEncrypted: the caller hit encrypted data
// without a way to read it.
func (k *Keyring) Decrypt(r io.Reader) (io.Reader, error) {
	if k == nil || len(k.identities) == 0 {
		return nil, ErrEncrypted
	}
	out, err := age.Decrypt(r, k.identities...)
	if err != nil {
		return nil, fmt.Errorf("age decrypt: %w", err)
	}
	return out, nil
}

// DecryptAll decrypts an in-memory blob.
func (k *Keyring) DecryptAll(data []byte) ([]byte, error) {
	r, err := k.Decrypt(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	out, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("age decrypt: %w", err)
	}
	return out, nil
}

// Encrypt wraps w with age encryption for the keyring's recipients. Only
// fixture generation encrypts; mounting is read-only.
func (k *Keyring) Encrypt(w io.Writer) (io.WriteCloser, error) {
	if k == nil || len(k.recipients) == 0 {
		return nil, ErrNoIdentity
	}
	wc, err := age.Encrypt(w, k.recipients...)
	if err != nil {
		return nil, fmt.Errorf("age encrypt: %w", err)
	}
	return wc, nil
}
