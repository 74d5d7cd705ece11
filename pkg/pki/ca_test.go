package pki

import (
	"net"
	"path/filepath"
	"testing"

	"github.com/aegisfabric/aegis/pkg/storage"
)

func newTestCA(t *testing.T) *CertAuthority {
	t.Helper()

	secrets, err := NewSecretsManagerFromPassphrase("test-only-passphrase")
	if err != nil {
		t.Fatalf("failed to build secrets manager: %v", err)
	}

	store, err := storage.NewBoltStore(filepath.Join(t.TempDir(), "node.db"))
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	return NewCertAuthority(store, secrets)
}

func TestInitializeCA(t *testing.T) {
	ca := newTestCA(t)

	if err := ca.Initialize(); err != nil {
		t.Fatalf("failed to initialize CA: %v", err)
	}

	if !ca.IsInitialized() {
		t.Error("CA should report initialized after Initialize")
	}

	if len(ca.GetRootCACert()) == 0 {
		t.Error("expected a non-empty root certificate")
	}
}

func TestSaveAndLoadFromStore(t *testing.T) {
	ca := newTestCA(t)
	if err := ca.Initialize(); err != nil {
		t.Fatalf("failed to initialize CA: %v", err)
	}
	if err := ca.SaveToStore(); err != nil {
		t.Fatalf("failed to save CA: %v", err)
	}

	rootDER := ca.GetRootCACert()

	reloaded := &CertAuthority{store: ca.store, secrets: ca.secrets, certCache: make(map[string]*CachedCert)}
	if err := reloaded.LoadFromStore(); err != nil {
		t.Fatalf("failed to load CA: %v", err)
	}

	if string(reloaded.GetRootCACert()) != string(rootDER) {
		t.Error("reloaded root certificate does not match the saved one")
	}
}

func TestIssueAndVerifyNodeCertificate(t *testing.T) {
	ca := newTestCA(t)
	if err := ca.Initialize(); err != nil {
		t.Fatalf("failed to initialize CA: %v", err)
	}

	tlsCert, err := ca.IssueNodeCertificate("node-1", []string{"node-1.aegis.internal"}, []net.IP{net.ParseIP("10.0.0.5")})
	if err != nil {
		t.Fatalf("failed to issue node certificate: %v", err)
	}

	if err := ca.VerifyCertificate(tlsCert.Leaf); err != nil {
		t.Errorf("issued certificate should verify against the root CA: %v", err)
	}

	if _, ok := ca.GetCachedCert("node-1"); !ok {
		t.Error("expected issued certificate to be cached")
	}
}

func TestIssueClientCertificate(t *testing.T) {
	ca := newTestCA(t)
	if err := ca.Initialize(); err != nil {
		t.Fatalf("failed to initialize CA: %v", err)
	}

	tlsCert, err := ca.IssueClientCertificate("aegisctl-operator")
	if err != nil {
		t.Fatalf("failed to issue client certificate: %v", err)
	}

	if err := ca.VerifyCertificate(tlsCert.Leaf); err != nil {
		t.Errorf("client certificate should verify: %v", err)
	}
}
