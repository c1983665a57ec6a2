package did

import (
	"crypto/ed25519"
	"encoding/json"
	"testing"

	"github.com/mr-tron/base58"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestDocument(t *testing.T, kt KeyType, endpoint string) Document {
	t.Helper()
	key, err := GenerateKey(kt)
	require.NoError(t, err)
	id, err := Derive(MethodKey, key.Public())
	require.NoError(t, err)
	doc, err := NewDocument(id, key.Public(), endpoint)
	require.NoError(t, err)
	return doc
}

func TestNewDocument(t *testing.T) {
	doc := newTestDocument(t, KeyTypeEd25519, "https://agent-a.local:8443")

	require.NoError(t, doc.Validate())
	require.Len(t, doc.VerificationMethod, 1)
	assert.Equal(t, TypeEd25519VerificationKey2020, doc.VerificationMethod[0].Type)
	assert.Equal(t, doc.ID, doc.VerificationMethod[0].Controller)
	assert.Equal(t, []string{doc.ID + "#key-1"}, doc.Authentication)
	assert.Equal(t, "https://agent-a.local:8443", doc.ServiceEndpoint())

	rsaDoc := newTestDocument(t, KeyTypeRSA, "")
	require.NoError(t, rsaDoc.Validate())
	assert.Equal(t, TypeRsaVerificationKey2018, rsaDoc.VerificationMethod[0].Type)
	assert.NotEmpty(t, rsaDoc.VerificationMethod[0].PublicKeyPem)
	assert.Empty(t, rsaDoc.Service)
}

func TestDocumentJSONFieldNames(t *testing.T) {
	doc := newTestDocument(t, KeyTypeEd25519, "https://a.example")
	raw, err := json.Marshal(doc)
	require.NoError(t, err)

	var m map[string]any
	require.NoError(t, json.Unmarshal(raw, &m))
	for _, k := range []string{"@context", "id", "verificationMethod", "authentication", "service"} {
		assert.Contains(t, m, k)
	}
	vm := m["verificationMethod"].([]any)[0].(map[string]any)
	assert.Contains(t, vm, "publicKeyMultibase")
	svc := m["service"].([]any)[0].(map[string]any)
	assert.Equal(t, "https://a.example", svc["serviceEndpoint"])
}

func TestSetServiceEndpoint(t *testing.T) {
	doc := newTestDocument(t, KeyTypeEd25519, "https://old.example")
	doc.Service = append(doc.Service, Service{ID: doc.ID + "#mail", Type: "Messaging", ServiceEndpoint: "mailto:ops@example.com"})

	doc.SetServiceEndpoint("https://new.example")
	assert.Equal(t, "https://new.example", doc.ServiceEndpoint())
	assert.Len(t, doc.Service, 2)

	doc.SetServiceEndpoint("")
	assert.Empty(t, doc.ServiceEndpoint())
	require.Len(t, doc.Service, 1)
	assert.Equal(t, "Messaging", doc.Service[0].Type)
}

func TestCloneIsIndependent(t *testing.T) {
	doc := newTestDocument(t, KeyTypeEd25519, "https://a.example")
	c := doc.Clone()
	c.SetServiceEndpoint("https://b.example")
	c.Authentication[0] = "#other"

	assert.Equal(t, "https://a.example", doc.ServiceEndpoint())
	assert.Equal(t, doc.ID+"#key-1", doc.Authentication[0])
}

func TestAuthenticationMethod(t *testing.T) {
	first := VerificationMethod{ID: "did:example:abc#k1", Type: TypeEd25519VerificationKey2020}
	second := VerificationMethod{ID: "did:example:abc#k2", Type: TypeEd25519VerificationKey2020}
	relative := VerificationMethod{ID: "#k3", Type: TypeEd25519VerificationKey2020}

	tests := []struct {
		name    string
		doc     Document
		want    string
		wantErr bool
	}{
		{
			name: "authentication reference wins",
			doc:  Document{ID: "did:example:abc", VerificationMethod: []VerificationMethod{first, second}, Authentication: []string{second.ID}},
			want: second.ID,
		},
		{
			name: "relative reference",
			doc:  Document{ID: "did:example:abc", VerificationMethod: []VerificationMethod{first, second}, Authentication: []string{"#k2"}},
			want: second.ID,
		},
		{
			name: "relative method id",
			doc:  Document{ID: "did:example:abc", VerificationMethod: []VerificationMethod{first, relative}, Authentication: []string{"did:example:abc#k3"}},
			want: relative.ID,
		},
		{
			name: "dangling reference falls back",
			doc:  Document{ID: "did:example:abc", VerificationMethod: []VerificationMethod{first, second}, Authentication: []string{"#missing"}},
			want: first.ID,
		},
		{
			name: "no authentication",
			doc:  Document{ID: "did:example:abc", VerificationMethod: []VerificationMethod{second}},
			want: second.ID,
		},
		{
			name:    "no methods",
			doc:     Document{ID: "did:example:abc"},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			vm, err := tt.doc.AuthenticationMethod()
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrNoVerificationMethod)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, vm.ID)
		})
	}
}

func TestValidateRejects(t *testing.T) {
	good := newTestDocument(t, KeyTypeEd25519, "")
	other := newTestDocument(t, KeyTypeEd25519, "")

	tests := []struct {
		name   string
		mutate func(d *Document)
	}{
		{name: "bad id", mutate: func(d *Document) { d.ID = "agent-a" }},
		{name: "no methods", mutate: func(d *Document) { d.VerificationMethod = nil }},
		{name: "method without type", mutate: func(d *Document) { d.VerificationMethod[0].Type = "" }},
		{name: "unsupported type", mutate: func(d *Document) { d.VerificationMethod[0].Type = "JsonWebKey2020" }},
		{name: "garbage key", mutate: func(d *Document) { d.VerificationMethod[0].PublicKeyMultibase = "z!!!" }},
		{name: "key of another did", mutate: func(d *Document) { d.VerificationMethod[0] = other.VerificationMethod[0] }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := good.Clone()
			tt.mutate(&d)
			assert.ErrorIs(t, d.Validate(), ErrInvalidDocument)
		})
	}
}

func TestEd25519VerificationKey2018(t *testing.T) {
	key, err := GenerateKey(KeyTypeEd25519)
	require.NoError(t, err)
	raw := []byte(key.Public().(ed25519.PublicKey))

	vm := VerificationMethod{ID: "did:example:x#k", Type: TypeEd25519VerificationKey2018, PublicKeyBase58: base58.Encode(raw)}
	sig, err := SignMessage(key, []byte("m"))
	require.NoError(t, err)
	assert.True(t, Verify([]byte("m"), sig, vm))
}
