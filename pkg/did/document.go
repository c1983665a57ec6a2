package did

import (
	"crypto"
	"crypto/ed25519"
	"crypto/rsa"
	"errors"
	"fmt"
	"strings"

	"github.com/mr-tron/base58"
)

// Document and verification method vocabulary.
const (
	ContextDIDv1 = "https://www.w3.org/ns/did/v1"

	TypeEd25519VerificationKey2020 = "Ed25519VerificationKey2020"
	TypeEd25519VerificationKey2018 = "Ed25519VerificationKey2018"
	TypeRsaVerificationKey2018     = "RsaVerificationKey2018"

	ServiceTypeAgent = "DIDMeshAgent"

	defaultKeyFragment     = "#key-1"
	defaultServiceFragment = "#agent"
)

var (
	// ErrNoVerificationMethod means the document carries no usable key.
	ErrNoVerificationMethod = errors.New("DID document has no verification method")

	// ErrInvalidDocument wraps every structural problem found by Validate.
	ErrInvalidDocument = errors.New("invalid DID document")
)

// Document is a W3C DID document restricted to the fields agents exchange.
type Document struct {
	Context            []string             `json:"@context,omitempty"`
	ID                 string               `json:"id"`
	VerificationMethod []VerificationMethod `json:"verificationMethod"`
	Authentication     []string             `json:"authentication,omitempty"`
	Service            []Service            `json:"service,omitempty"`
}

// VerificationMethod describes one public key of the subject.
type VerificationMethod struct {
	ID                 string `json:"id"`
	Type               string `json:"type"`
	Controller         string `json:"controller"`
	PublicKeyMultibase string `json:"publicKeyMultibase,omitempty"`
	PublicKeyBase58    string `json:"publicKeyBase58,omitempty"`
	PublicKeyPem       string `json:"publicKeyPem,omitempty"`
}

// Service advertises where the subject can be reached.
type Service struct {
	ID              string `json:"id"`
	Type            string `json:"type"`
	ServiceEndpoint string `json:"serviceEndpoint"`
}

// NewDocument builds the document for id controlled by pub. An empty
// endpoint produces a document without a service entry.
func NewDocument(id string, pub crypto.PublicKey, endpoint string) (Document, error) {
	vm := VerificationMethod{
		ID:         id + defaultKeyFragment,
		Controller: id,
	}
	switch k := pub.(type) {
	case ed25519.PublicKey:
		mb, err := encodeMultibaseKey(k)
		if err != nil {
			return Document{}, err
		}
		vm.Type = TypeEd25519VerificationKey2020
		vm.PublicKeyMultibase = mb
	case *rsa.PublicKey:
		p, err := MarshalPublicKeyPEM(k)
		if err != nil {
			return Document{}, err
		}
		vm.Type = TypeRsaVerificationKey2018
		vm.PublicKeyPem = string(p)
	default:
		return Document{}, fmt.Errorf("unsupported public key type %T", pub)
	}

	doc := Document{
		Context:            []string{ContextDIDv1},
		ID:                 id,
		VerificationMethod: []VerificationMethod{vm},
		Authentication:     []string{vm.ID},
	}
	doc.SetServiceEndpoint(endpoint)
	return doc, nil
}

// SetServiceEndpoint replaces the agent service entry. Other service entries
// are preserved. An empty endpoint removes the agent entry.
func (d *Document) SetServiceEndpoint(endpoint string) {
	kept := d.Service[:0:0]
	for _, s := range d.Service {
		if s.Type != ServiceTypeAgent {
			kept = append(kept, s)
		}
	}
	if endpoint != "" {
		kept = append(kept, Service{
			ID:              d.ID + defaultServiceFragment,
			Type:            ServiceTypeAgent,
			ServiceEndpoint: endpoint,
		})
	}
	if len(kept) == 0 {
		kept = nil
	}
	d.Service = kept
}

// ServiceEndpoint returns the agent service endpoint, or "".
func (d Document) ServiceEndpoint() string {
	for _, s := range d.Service {
		if s.Type == ServiceTypeAgent {
			return s.ServiceEndpoint
		}
	}
	return ""
}

// Clone returns a deep copy of d.
func (d Document) Clone() Document {
	c := d
	c.Context = append([]string(nil), d.Context...)
	c.VerificationMethod = append([]VerificationMethod(nil), d.VerificationMethod...)
	c.Authentication = append([]string(nil), d.Authentication...)
	c.Service = append([]Service(nil), d.Service...)
	return c
}

// AuthenticationMethod selects the key used to authenticate the subject:
// the first authentication reference that resolves to a verification
// method, falling back to the first verification method.
func (d Document) AuthenticationMethod() (VerificationMethod, error) {
	for _, ref := range d.Authentication {
		if vm, ok := d.lookupMethod(ref); ok {
			return vm, nil
		}
	}
	if len(d.VerificationMethod) == 0 {
		return VerificationMethod{}, ErrNoVerificationMethod
	}
	return d.VerificationMethod[0], nil
}

func (d Document) lookupMethod(ref string) (VerificationMethod, bool) {
	for _, vm := range d.VerificationMethod {
		if vm.ID == ref {
			return vm, true
		}
		// Relative references ("#key-1") resolve against the document id.
		if strings.HasPrefix(ref, "#") && vm.ID == d.ID+ref {
			return vm, true
		}
		if strings.HasPrefix(vm.ID, "#") && d.ID+vm.ID == ref {
			return vm, true
		}
	}
	return VerificationMethod{}, false
}

// Validate checks that d is well formed and that its authentication key
// decodes. For did:key subjects the key must also match the DID itself.
func (d Document) Validate() error {
	if _, err := Parse(d.ID); err != nil {
		return fmt.Errorf("%w: id: %w", ErrInvalidDocument, err)
	}
	if len(d.VerificationMethod) == 0 {
		return fmt.Errorf("%w: %w", ErrInvalidDocument, ErrNoVerificationMethod)
	}
	for i, vm := range d.VerificationMethod {
		if vm.ID == "" || vm.Type == "" {
			return fmt.Errorf("%w: verificationMethod[%d] missing id or type", ErrInvalidDocument, i)
		}
	}
	vm, err := d.AuthenticationMethod()
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidDocument, err)
	}
	pub, err := vm.PublicKey()
	if err != nil {
		return fmt.Errorf("%w: %s: %w", ErrInvalidDocument, vm.ID, err)
	}

	if strings.HasPrefix(d.ID, "did:"+MethodKey+":") {
		want, err := PublicKeyFromKeyDID(d.ID)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrInvalidDocument, err)
		}
		if !KeysEqual(want, pub) {
			return fmt.Errorf("%w: authentication key does not match %s", ErrInvalidDocument, d.ID)
		}
	}
	return nil
}

// PublicKey decodes the key material of vm according to its type.
func (vm VerificationMethod) PublicKey() (crypto.PublicKey, error) {
	switch vm.Type {
	case TypeEd25519VerificationKey2020:
		if vm.PublicKeyMultibase == "" {
			return nil, errors.New("publicKeyMultibase is empty")
		}
		pub, err := decodeMultibaseKey(vm.PublicKeyMultibase)
		if err != nil {
			return nil, err
		}
		if _, ok := pub.(ed25519.PublicKey); !ok {
			return nil, fmt.Errorf("%s carries %T", vm.Type, pub)
		}
		return pub, nil

	case TypeEd25519VerificationKey2018:
		if vm.PublicKeyBase58 == "" {
			return nil, errors.New("publicKeyBase58 is empty")
		}
		raw, err := base58.Decode(vm.PublicKeyBase58)
		if err != nil {
			return nil, fmt.Errorf("decode base58: %w", err)
		}
		if len(raw) != ed25519.PublicKeySize {
			return nil, fmt.Errorf("ed25519 key has %d bytes", len(raw))
		}
		return ed25519.PublicKey(raw), nil

	case TypeRsaVerificationKey2018:
		if vm.PublicKeyPem == "" {
			return nil, errors.New("publicKeyPem is empty")
		}
		pub, err := ParsePublicKeyPEM([]byte(vm.PublicKeyPem))
		if err != nil {
			return nil, err
		}
		if _, ok := pub.(*rsa.PublicKey); !ok {
			return nil, fmt.Errorf("%s carries %T", vm.Type, pub)
		}
		return pub, nil

	default:
		return nil, fmt.Errorf("unsupported verification method type %q", vm.Type)
	}
}

// KeysEqual reports whether a and b are the same public key.
func KeysEqual(a, b crypto.PublicKey) bool {
	type equaler interface {
		Equal(crypto.PublicKey) bool
	}
	ea, ok := a.(equaler)
	return ok && ea.Equal(b)
}
