package did

import (
	"crypto"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/sufield/didmesh/internal/fsutil"
)

// ErrCorruptKeyFile is returned when an existing key file cannot be parsed
// or its contents are inconsistent. It is never repaired silently; callers
// decide whether to Recreate.
var ErrCorruptKeyFile = errors.New("corrupt identity key file")

const keyFilePerm = 0o600

// keyFile is the on-disk identity record.
type keyFile struct {
	DID           string    `json:"did"`
	KeyType       KeyType   `json:"key_type"`
	PrivateKeyPEM string    `json:"private_key_pem"`
	Document      Document  `json:"did_document"`
	CreatedAt     time.Time `json:"created_at"`
}

// Manager creates and loads agent identities.
type Manager struct {
	method   string
	keyType  KeyType
	endpoint string
	logger   *zap.Logger
}

// Option configures a Manager.
type Option func(*Manager)

// WithMethod sets the DID method for new identities (default "key").
func WithMethod(method string) Option {
	return func(m *Manager) {
		if method != "" {
			m.method = method
		}
	}
}

// WithKeyType sets the key algorithm for new identities (default Ed25519).
func WithKeyType(kt KeyType) Option {
	return func(m *Manager) {
		if kt != "" {
			m.keyType = kt
		}
	}
}

// WithServiceEndpoint sets the endpoint written into new documents.
func WithServiceEndpoint(endpoint string) Option {
	return func(m *Manager) { m.endpoint = endpoint }
}

// WithLogger sets the logger. Nil keeps the no-op default.
func WithLogger(l *zap.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.logger = l
		}
	}
}

// NewManager returns a Manager with the given options applied.
func NewManager(opts ...Option) *Manager {
	m := &Manager{
		method:  MethodKey,
		keyType: KeyTypeEd25519,
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// GetOrCreate loads the identity stored at keyPath, creating it first if the
// file does not exist. Concurrent first calls (in one or several processes)
// converge on the identity of whichever writer linked its file first.
func (m *Manager) GetOrCreate(keyPath string) (*Identity, error) {
	id, err := m.Load(keyPath)
	if err == nil {
		return id, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}

	fresh, data, err := m.generate(keyPath)
	if err != nil {
		return nil, err
	}
	if err := fsutil.EnsureDir(filepath.Dir(keyPath)); err != nil {
		return nil, fmt.Errorf("create key directory: %w", err)
	}
	if err := fsutil.CreateExclusive(keyPath, data, keyFilePerm); err != nil {
		if errors.Is(err, os.ErrExist) {
			// Lost the race; adopt the winner's identity.
			return m.Load(keyPath)
		}
		return nil, fmt.Errorf("write key file: %w", err)
	}

	m.logger.Info("Created new identity",
		zap.String("did", fresh.DID()),
		zap.String("key_type", string(m.keyType)),
		zap.String("path", keyPath))
	return fresh, nil
}

// Recreate discards any identity at keyPath and writes a new one.
func (m *Manager) Recreate(keyPath string) (*Identity, error) {
	fresh, data, err := m.generate(keyPath)
	if err != nil {
		return nil, err
	}
	if err := fsutil.EnsureDir(filepath.Dir(keyPath)); err != nil {
		return nil, fmt.Errorf("create key directory: %w", err)
	}
	if err := fsutil.WriteFileAtomic(keyPath, data, keyFilePerm); err != nil {
		return nil, fmt.Errorf("write key file: %w", err)
	}
	m.logger.Warn("Recreated identity", zap.String("did", fresh.DID()), zap.String("path", keyPath))
	return fresh, nil
}

// Load reads the identity at keyPath. A missing file yields an error
// matching os.ErrNotExist; anything unreadable yields ErrCorruptKeyFile.
func (m *Manager) Load(keyPath string) (*Identity, error) {
	data, err := os.ReadFile(keyPath)
	if err != nil {
		return nil, fmt.Errorf("read key file: %w", err)
	}
	id, err := decodeIdentity(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrCorruptKeyFile, keyPath, err)
	}
	id.path = keyPath
	m.logger.Debug("Loaded identity", zap.String("did", id.did), zap.String("path", keyPath))
	return id, nil
}

// Verify checks signature over message against vm, logging why a
// signature was rejected.
func (m *Manager) Verify(message, signature []byte, vm VerificationMethod) bool {
	pub, err := vm.PublicKey()
	if err != nil {
		m.logger.Warn("Cannot verify with verification method",
			zap.String("method", vm.ID), zap.String("type", vm.Type), zap.Error(err))
		return false
	}
	if err := VerifyWithKey(pub, message, signature); err != nil {
		m.logger.Debug("Signature rejected", zap.String("method", vm.ID), zap.Error(err))
		return false
	}
	return true
}

func (m *Manager) generate(keyPath string) (*Identity, []byte, error) {
	key, err := GenerateKey(m.keyType)
	if err != nil {
		return nil, nil, err
	}
	id, err := Derive(m.method, key.Public())
	if err != nil {
		return nil, nil, err
	}
	doc, err := NewDocument(id, key.Public(), m.endpoint)
	if err != nil {
		return nil, nil, err
	}
	ident := &Identity{did: id, keyType: m.keyType, key: key, doc: doc, path: keyPath, createdAt: time.Now().UTC()}
	data, err := ident.encode()
	if err != nil {
		return nil, nil, err
	}
	return ident, data, nil
}

func decodeIdentity(data []byte) (*Identity, error) {
	var kf keyFile
	if err := json.Unmarshal(data, &kf); err != nil {
		return nil, fmt.Errorf("decode json: %w", err)
	}
	if kf.PrivateKeyPEM == "" {
		return nil, errors.New("private key missing")
	}
	key, err := ParsePrivateKeyPEM([]byte(kf.PrivateKeyPEM))
	if err != nil {
		return nil, err
	}
	parsed, err := Parse(kf.DID)
	if err != nil {
		return nil, err
	}
	want, err := Derive(parsed.Method, key.Public())
	if err != nil {
		return nil, err
	}
	if want != kf.DID {
		return nil, fmt.Errorf("stored DID %s does not belong to the stored key", kf.DID)
	}
	if kf.Document.ID != kf.DID {
		return nil, fmt.Errorf("document id %q does not match DID", kf.Document.ID)
	}
	if err := kf.Document.Validate(); err != nil {
		return nil, err
	}
	vm, _ := kf.Document.AuthenticationMethod()
	docKey, _ := vm.PublicKey()
	if !KeysEqual(key.Public(), docKey) {
		return nil, errors.New("document key does not match private key")
	}

	kt := kf.KeyType
	if kt == "" {
		kt = keyTypeOf(key)
	}
	return &Identity{
		did:       kf.DID,
		keyType:   kt,
		key:       key,
		doc:       kf.Document,
		createdAt: kf.CreatedAt,
	}, nil
}

func keyTypeOf(key crypto.Signer) KeyType {
	if _, ok := key.Public().(*rsa.PublicKey); ok {
		return KeyTypeRSA
	}
	return KeyTypeEd25519
}

// Identity is a loaded agent identity. The DID and key never change; only
// the document's service endpoint may be updated.
type Identity struct {
	mu        sync.RWMutex
	did       string
	keyType   KeyType
	key       crypto.Signer
	doc       Document
	path      string
	createdAt time.Time
}

// DID returns the agent's DID.
func (i *Identity) DID() string { return i.did }

// KeyType returns the algorithm of the identity key.
func (i *Identity) KeyType() KeyType { return i.keyType }

// Path returns the key file this identity was loaded from or written to.
func (i *Identity) Path() string { return i.path }

// Document returns a copy of the current DID document.
func (i *Identity) Document() Document {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.doc.Clone()
}

// Signer exposes the private key for certificate and TLS use.
func (i *Identity) Signer() crypto.Signer { return i.key }

// PublicKey returns the public half of the identity key.
func (i *Identity) PublicKey() crypto.PublicKey { return i.key.Public() }

// PublicKeyPEM returns the PKIX PEM encoding of the public key.
func (i *Identity) PublicKeyPEM() ([]byte, error) {
	return MarshalPublicKeyPEM(i.key.Public())
}

// PrivateKeyPEM returns the PKCS#8 PEM encoding of the private key.
func (i *Identity) PrivateKeyPEM() ([]byte, error) {
	return MarshalPrivateKeyPEM(i.key)
}

// Sign signs message with the identity key.
func (i *Identity) Sign(message []byte) ([]byte, error) {
	return SignMessage(i.key, message)
}

// UpdateServiceEndpoint replaces the agent service entry and rewrites the
// key file atomically. On write failure the in-memory document is unchanged.
func (i *Identity) UpdateServiceEndpoint(endpoint string) error {
	i.mu.Lock()
	defer i.mu.Unlock()

	prev := i.doc
	next := i.doc.Clone()
	next.SetServiceEndpoint(endpoint)
	i.doc = next

	if i.path == "" {
		return nil
	}
	data, err := i.encodeLocked()
	if err == nil {
		err = fsutil.WriteFileAtomic(i.path, data, keyFilePerm)
	}
	if err != nil {
		i.doc = prev
		return fmt.Errorf("persist service endpoint: %w", err)
	}
	return nil
}

func (i *Identity) encode() ([]byte, error) {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.encodeLocked()
}

func (i *Identity) encodeLocked() ([]byte, error) {
	keyPEM, err := MarshalPrivateKeyPEM(i.key)
	if err != nil {
		return nil, err
	}
	return json.MarshalIndent(keyFile{
		DID:           i.did,
		KeyType:       i.keyType,
		PrivateKeyPEM: string(keyPEM),
		Document:      i.doc,
		CreatedAt:     i.createdAt,
	}, "", "  ")
}
