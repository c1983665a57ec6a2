package did

import (
	"bytes"
	"crypto"
	"crypto/ed25519"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/mr-tron/base58"
)

// MethodKey is the did:key method. Its method-specific id encodes the public
// key itself, so the document can be checked against the DID.
const MethodKey = "key"

// multibase prefix for base58btc.
const multibaseBase58BTC = 'z'

// Multicodec varint prefixes for the key types we support.
var (
	codecEd25519Pub = []byte{0xed, 0x01}
	codecRSAPub     = []byte{0x85, 0x24}
)

var (
	// ErrInvalidDID is returned for strings that are not DIDs.
	ErrInvalidDID = errors.New("invalid DID")

	methodPattern = regexp.MustCompile(`^[a-z0-9]+$`)
	idPattern     = regexp.MustCompile(`^[A-Za-z0-9._:%-]*[A-Za-z0-9._%-]$`)
)

// DID is a parsed decentralized identifier.
type DID struct {
	Method string
	ID     string
}

// String returns the did:<method>:<id> form.
func (d DID) String() string {
	return "did:" + d.Method + ":" + d.ID
}

// Parse validates the generic DID syntax did:<method>:<method-specific-id>.
func Parse(s string) (DID, error) {
	rest, ok := strings.CutPrefix(s, "did:")
	if !ok {
		return DID{}, fmt.Errorf("%w: %q missing did: prefix", ErrInvalidDID, s)
	}
	method, id, ok := strings.Cut(rest, ":")
	if !ok || method == "" || id == "" {
		return DID{}, fmt.Errorf("%w: %q", ErrInvalidDID, s)
	}
	if !methodPattern.MatchString(method) {
		return DID{}, fmt.Errorf("%w: method %q must be lowercase alphanumeric", ErrInvalidDID, method)
	}
	if !idPattern.MatchString(id) {
		return DID{}, fmt.Errorf("%w: method-specific id %q", ErrInvalidDID, id)
	}
	return DID{Method: method, ID: id}, nil
}

// Derive computes the DID for pub under method.
//
// For did:key the id is the multibase/multicodec encoding of the key. Other
// methods use the base58 SHA-256 digest of the PKIX public key.
func Derive(method string, pub crypto.PublicKey) (string, error) {
	if !methodPattern.MatchString(method) {
		return "", fmt.Errorf("%w: method %q", ErrInvalidDID, method)
	}
	if method == MethodKey {
		mb, err := encodeMultibaseKey(pub)
		if err != nil {
			return "", err
		}
		return "did:key:" + mb, nil
	}

	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return "", fmt.Errorf("marshal public key: %w", err)
	}
	sum := sha256.Sum256(der)
	return "did:" + method + ":" + base58.Encode(sum[:]), nil
}

// PublicKeyFromKeyDID decodes the public key embedded in a did:key identifier.
func PublicKeyFromKeyDID(s string) (crypto.PublicKey, error) {
	// Fragments such as did:key:z6Mk...#z6Mk... are not part of the key.
	s, _, _ = strings.Cut(s, "#")
	d, err := Parse(s)
	if err != nil {
		return nil, err
	}
	if d.Method != MethodKey {
		return nil, fmt.Errorf("%w: %q is not a did:key", ErrInvalidDID, s)
	}
	return decodeMultibaseKey(d.ID)
}

func encodeMultibaseKey(pub crypto.PublicKey) (string, error) {
	var raw []byte
	switch k := pub.(type) {
	case ed25519.PublicKey:
		raw = append(append([]byte{}, codecEd25519Pub...), k...)
	case *rsa.PublicKey:
		raw = append(append([]byte{}, codecRSAPub...), x509.MarshalPKCS1PublicKey(k)...)
	default:
		return "", fmt.Errorf("unsupported public key type %T", pub)
	}
	return string(multibaseBase58BTC) + base58.Encode(raw), nil
}

func decodeMultibaseKey(s string) (crypto.PublicKey, error) {
	if len(s) < 2 || s[0] != multibaseBase58BTC {
		return nil, errors.New("public key must be multibase base58btc ('z' prefix)")
	}
	raw, err := base58.Decode(s[1:])
	if err != nil {
		return nil, fmt.Errorf("decode base58: %w", err)
	}
	switch {
	case bytes.HasPrefix(raw, codecEd25519Pub):
		key := raw[len(codecEd25519Pub):]
		if len(key) != ed25519.PublicKeySize {
			return nil, fmt.Errorf("ed25519 key has %d bytes, want %d", len(key), ed25519.PublicKeySize)
		}
		return ed25519.PublicKey(key), nil
	case bytes.HasPrefix(raw, codecRSAPub):
		key, err := x509.ParsePKCS1PublicKey(raw[len(codecRSAPub):])
		if err != nil {
			return nil, fmt.Errorf("parse rsa key: %w", err)
		}
		return key, nil
	case len(raw) == ed25519.PublicKeySize:
		// Bare 32-byte keys appear in Ed25519VerificationKey2018 documents.
		return ed25519.PublicKey(raw), nil
	default:
		return nil, errors.New("unknown multicodec key prefix")
	}
}
