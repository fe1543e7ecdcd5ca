package keyexchange

import (
	"crypto/sha256"
	"fmt"
	"io"

	"github.com/cloudflare/circl/kem"
	"github.com/cloudflare/circl/kem/kyber/kyber1024"
	"golang.org/x/crypto/hkdf"

	"github.com/kuuji/relaygate/internal/config"
)

const pskInfo = "relaygate ephemeral peer psk"

func kemScheme() kem.Scheme {
	return kyber1024.Scheme()
}

// derivePresharedKey expands a KEM shared secret into a WireGuard preshared
// key bound to the ephemeral public key.
func derivePresharedKey(sharedSecret []byte, ephemeralPublic config.Key) (config.Key, error) {
	r := hkdf.New(sha256.New, sharedSecret, ephemeralPublic[:], []byte(pskInfo))
	var psk config.Key
	if _, err := io.ReadFull(r, psk[:]); err != nil {
		return config.Key{}, fmt.Errorf("deriving preshared key: %w", err)
	}
	return psk, nil
}

// encapsulate runs the relay side of the KEM against a serialized public
// key, returning the ciphertext and the preshared key.
func encapsulate(kemPublicKey []byte, ephemeralPublic config.Key) ([]byte, config.Key, error) {
	scheme := kemScheme()
	pub, err := scheme.UnmarshalBinaryPublicKey(kemPublicKey)
	if err != nil {
		return nil, config.Key{}, fmt.Errorf("unmarshaling KEM public key: %w", err)
	}
	ct, ss, err := scheme.Encapsulate(pub)
	if err != nil {
		return nil, config.Key{}, fmt.Errorf("encapsulating: %w", err)
	}
	psk, err := derivePresharedKey(ss, ephemeralPublic)
	if err != nil {
		return nil, config.Key{}, err
	}
	return ct, psk, nil
}
