package keyvault

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"errors"
	"strings"
	"testing"

	xerrors "OpenCustody-Chain/internal/errors"

	"github.com/ethereum/go-ethereum/common/hexutil"
)

const testMasterKey = "0123456789abcdef0123456789abcdef"

func newTestVault(t *testing.T) (*Vault, *MemoryIdentityStore) {
	t.Helper()
	store := NewMemoryIdentityStore()
	vault, err := NewVault(store, testMasterKey)
	if err != nil {
		t.Fatalf("new vault: %v", err)
	}
	return vault, store
}

func TestCreateAndResolveRoundTrip(t *testing.T) {
	vault, _ := newTestVault(t)
	ctx := context.Background()

	identity, err := vault.CreateIdentity(ctx)
	if err != nil {
		t.Fatalf("create identity: %v", err)
	}
	if !strings.HasPrefix(identity.AgentID, "agent-") {
		t.Fatalf("unexpected agent id: %s", identity.AgentID)
	}

	capability, err := vault.Resolve(ctx, identity.AgentID)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	message := []byte("transfer 100 lamports")
	signature, err := capability.Sign(message)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	pub, err := hexutil.Decode(identity.PublicKey)
	if err != nil {
		t.Fatalf("decode public key: %v", err)
	}
	if !ed25519.Verify(ed25519.PublicKey(pub), message, signature) {
		t.Fatal("signature does not verify against published public key")
	}
}

func TestResolveUnknownAgent(t *testing.T) {
	vault, _ := newTestVault(t)

	_, err := vault.Resolve(context.Background(), "agent-missing")
	if !errors.Is(err, ErrIdentityNotFound) {
		t.Fatalf("expected identity-not-found, got %v", err)
	}
	if code := xerrors.CodeOf(err); code != xerrors.CodeIdentityNotFound {
		t.Fatalf("expected code %s, got %s", xerrors.CodeIdentityNotFound, code)
	}
}

func TestResolveWithWrongMasterKey(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryIdentityStore()
	vault, err := NewVault(store, testMasterKey)
	if err != nil {
		t.Fatalf("new vault: %v", err)
	}
	identity, err := vault.CreateIdentity(ctx)
	if err != nil {
		t.Fatalf("create identity: %v", err)
	}

	other, err := NewVault(store, strings.Repeat("x", 32))
	if err != nil {
		t.Fatalf("new vault with other key: %v", err)
	}
	_, err = other.Resolve(ctx, identity.AgentID)
	if code := xerrors.CodeOf(err); code != xerrors.CodeDecryptionFailure {
		t.Fatalf("expected decryption failure, got %v", err)
	}
}

func TestTamperedRecordFailsClosed(t *testing.T) {
	ctx := context.Background()
	vault, store := newTestVault(t)
	identity, err := vault.CreateIdentity(ctx)
	if err != nil {
		t.Fatalf("create identity: %v", err)
	}
	original, err := store.Get(ctx, identity.AgentID)
	if err != nil {
		t.Fatalf("load record: %v", err)
	}

	cases := []struct {
		name   string
		mutate func(*Identity)
	}{
		{"ciphertext-bit", func(id *Identity) { id.Secret.Ciphertext[0] ^= 0x01 }},
		{"auth-tag-bit", func(id *Identity) { id.Secret.Ciphertext[len(id.Secret.Ciphertext)-1] ^= 0x80 }},
		{"nonce-bit", func(id *Identity) { id.Secret.Nonce[0] ^= 0x01 }},
		{"salt-bit", func(id *Identity) { id.Secret.Salt[0] ^= 0x01 }},
		{"unknown-kdf", func(id *Identity) { id.Secret.KDF = "pbkdf2" }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			tampered := cloneIdentity(original)
			tc.mutate(tampered)

			isolated := NewMemoryIdentityStore()
			if err := isolated.Insert(ctx, tampered); err != nil {
				t.Fatalf("insert tampered record: %v", err)
			}
			victim, err := NewVault(isolated, testMasterKey)
			if err != nil {
				t.Fatalf("new vault: %v", err)
			}
			_, err = victim.Resolve(ctx, tampered.AgentID)
			if code := xerrors.CodeOf(err); code != xerrors.CodeDecryptionFailure {
				t.Fatalf("expected decryption failure, got %v", err)
			}
		})
	}
}

func TestSaltAndNonceUniquePerIdentity(t *testing.T) {
	ctx := context.Background()
	vault, store := newTestVault(t)

	first, err := vault.CreateIdentity(ctx)
	if err != nil {
		t.Fatalf("create first: %v", err)
	}
	second, err := vault.CreateIdentity(ctx)
	if err != nil {
		t.Fatalf("create second: %v", err)
	}

	a, err := store.Get(ctx, first.AgentID)
	if err != nil {
		t.Fatalf("load first: %v", err)
	}
	b, err := store.Get(ctx, second.AgentID)
	if err != nil {
		t.Fatalf("load second: %v", err)
	}
	if bytes.Equal(a.Secret.Salt, b.Secret.Salt) {
		t.Fatal("salt reused across identities")
	}
	if bytes.Equal(a.Secret.Nonce, b.Secret.Nonce) {
		t.Fatal("nonce reused across identities")
	}
}

func TestSigningCapabilityIsOneShot(t *testing.T) {
	vault, _ := newTestVault(t)
	ctx := context.Background()

	identity, err := vault.CreateIdentity(ctx)
	if err != nil {
		t.Fatalf("create identity: %v", err)
	}
	capability, err := vault.Resolve(ctx, identity.AgentID)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}

	if _, err := capability.Sign([]byte("first")); err != nil {
		t.Fatalf("first sign: %v", err)
	}
	_, err = capability.Sign([]byte("second"))
	if code := xerrors.CodeOf(err); code != xerrors.CodeCapabilityConsumed {
		t.Fatalf("expected capability-consumed, got %v", err)
	}
}

func TestDestroyedCapabilityCannotSign(t *testing.T) {
	vault, _ := newTestVault(t)
	ctx := context.Background()

	identity, err := vault.CreateIdentity(ctx)
	if err != nil {
		t.Fatalf("create identity: %v", err)
	}
	capability, err := vault.Resolve(ctx, identity.AgentID)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	capability.Destroy()
	capability.Destroy() // 幂等

	if _, err := capability.Sign([]byte("late")); xerrors.CodeOf(err) != xerrors.CodeCapabilityConsumed {
		t.Fatalf("expected capability-consumed, got %v", err)
	}
}

func TestSealSecretRejectsOversizedMaterial(t *testing.T) {
	_, err := sealSecret(make([]byte, secretMaxLen+1), testMasterKey)
	if code := xerrors.CodeOf(err); code != xerrors.CodeInvalidArgument {
		t.Fatalf("expected invalid argument, got %v", err)
	}
}

func TestMockKMSResolveIsRepeatable(t *testing.T) {
	kms := NewMockKMS()
	ctx := context.Background()

	identity, err := kms.CreateIdentity(ctx)
	if err != nil {
		t.Fatalf("create identity: %v", err)
	}

	// 每次解析返回全新的一次性能力，互不影响。
	for i := 0; i < 2; i++ {
		capability, err := kms.Resolve(ctx, identity.AgentID)
		if err != nil {
			t.Fatalf("resolve #%d: %v", i+1, err)
		}
		if _, err := capability.Sign([]byte("ping")); err != nil {
			t.Fatalf("sign #%d: %v", i+1, err)
		}
	}
}

func TestMemoryStoreRejectsDuplicateAgent(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryIdentityStore()
	record := &Identity{
		AgentID:   "agent-dup",
		PublicKey: "0x00",
		Secret:    EncryptedSecret{KDF: KDFScrypt, Salt: make([]byte, saltLength), Nonce: make([]byte, nonceLength), Ciphertext: []byte{1}},
		Version:   SchemaVersion,
	}
	if err := store.Insert(ctx, record); err != nil {
		t.Fatalf("first insert: %v", err)
	}
	if err := store.Insert(ctx, record); !errors.Is(err, ErrIdentityConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
}
