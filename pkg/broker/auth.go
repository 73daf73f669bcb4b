package broker

import (
	"bytes"
	"errors"

	"golang.org/x/crypto/blake2b"

	"github.com/ereOn/pylar/pkg/domain"
)

// personalizationSize mirrors security.py's fixed 16-byte personalization
// tag (the service identifier, right-padded with '-').
const personalizationSize = 16

// keyedHash computes a keyed BLAKE2b-512 digest over a personalization tag
// followed by a salt; no other data enters the hash.
//
// This stands in for security.py's
// csodium.crypto_generichash_blake2b_salt_personal, which uses libsodium's
// dedicated BLAKE2b salt/personal parameter blocks. golang.org/x/crypto/
// blake2b does not expose those parameter blocks (only a keyed hash.Hash
// via New512), so salt and personalization are folded into the hashed
// preimage instead of into BLAKE2b's own parameter block. Spec section 1
// explicitly scopes this primitive as "an opaque verifier predicate", so
// the broker-visible contract (same secret + same salt + same service name
// verifies; anything else does not) holds under this substitution even
// though the resulting digest differs bit-for-bit from libsodium's.
func keyedHash(sharedSecret, salt, personal []byte) ([]byte, error) {
	h, err := blake2b.New512(sharedSecret)
	if err != nil {
		return nil, err
	}

	padded := make([]byte, personalizationSize)
	copy(padded, personal)
	for i := len(personal); i < personalizationSize; i++ {
		padded[i] = '-'
	}

	h.Write(padded)
	h.Write(salt)

	return h.Sum(nil), nil
}

var errMalformedCredentials = errors.New("broker: malformed credentials")

// verifyServiceCredentials checks the single-frame credential format
// described in spec section 6: len(salt) as 1 byte, salt, hash. It returns
// nil if credentials verify for serviceDomain against sharedSecret.
//
// Grounded on broker.py's __verify_service_credentials.
func verifyServiceCredentials(sharedSecret []byte, serviceDomain string, credentials []byte) error {
	if len(credentials) < 1 {
		return errMalformedCredentials
	}

	saltLen := int(credentials[0])
	if len(credentials) < 1+saltLen {
		return errMalformedCredentials
	}

	salt := credentials[1 : 1+saltLen]
	hash := credentials[1+saltLen:]

	expected, err := keyedHash(sharedSecret, salt, domain.ServiceIdentifier(serviceDomain))
	if err != nil {
		return err
	}

	if !bytes.Equal(hash, expected) {
		return errMalformedCredentials
	}

	return nil
}

// GenerateServiceCredentials builds the wire credential frame a service
// would send on registration, for use by tests and by any in-process
// service harness. It mirrors the client-side counterpart of
// verifyServiceCredentials.
func GenerateServiceCredentials(sharedSecret, salt []byte, serviceDomain string) ([]byte, error) {
	hash, err := keyedHash(sharedSecret, salt, domain.ServiceIdentifier(serviceDomain))
	if err != nil {
		return nil, err
	}

	out := make([]byte, 0, 1+len(salt)+len(hash))
	out = append(out, byte(len(salt)))
	out = append(out, salt...)
	out = append(out, hash...)

	return out, nil
}
