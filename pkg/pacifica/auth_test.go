package pacifica

import (
	"crypto/ed25519"
	"crypto/rand"
	"testing"
	"time"

	"github.com/mr-tron/base58"
)

func newTestAuthenticator(t *testing.T, account, agent string) (*KeypairAuthenticator, ed25519.PublicKey) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("Failed to generate key: %v", err)
	}
	auth, err := NewKeypairAuthenticator(base58.Encode(priv), account, agent)
	if err != nil {
		t.Fatalf("Failed to create authenticator: %v", err)
	}
	auth.now = func() time.Time { return time.UnixMilli(1700000000000) }
	return auth, pub
}

func TestSignRequestProducesVerifiableSignature(t *testing.T) {
	auth, pub := newTestAuthenticator(t, "", "")

	params := map[string]any{
		"symbol": "BTC",
		"amount": "0.1",
		"take_profit": map[string]any{
			"stop_price":  "101",
			"limit_price": "100",
		},
	}
	body, err := auth.SignRequest(OpSetPositionTPSL, params)
	if err != nil {
		t.Fatalf("SignRequest failed: %v", err)
	}

	expected := `{"data":{"amount":"0.1","symbol":"BTC","take_profit":{"limit_price":"100","stop_price":"101"}},` +
		`"expiry_window":30000,"timestamp":1700000000000,"type":"set_position_tpsl"}`
	message, err := signingMessage(OpSetPositionTPSL, params, 1700000000000, 30000)
	if err != nil {
		t.Fatalf("signingMessage failed: %v", err)
	}
	if string(message) != expected {
		t.Errorf("Expected message %s, got %s", expected, message)
	}

	sig, err := base58.Decode(body["signature"].(string))
	if err != nil {
		t.Fatalf("Signature is not base58: %v", err)
	}
	if !ed25519.Verify(pub, []byte(expected), sig) {
		t.Error("Expected signature to verify against the canonical message")
	}

	if body["account"] != base58.Encode(pub) {
		t.Errorf("Expected account to default to the public key, got %v", body["account"])
	}
	if _, ok := body["agent_wallet"]; ok {
		t.Error("Expected no agent_wallet for a main wallet signer")
	}
	if body["symbol"] != "BTC" {
		t.Errorf("Expected params to be merged into the body, got %v", body["symbol"])
	}
	if body["expiry_window"] != int64(30000) {
		t.Errorf("Expected expiry_window 30000, got %v", body["expiry_window"])
	}
}

func TestSignRequestAsAgent(t *testing.T) {
	auth, pub := newTestAuthenticator(t, "MainAccount111", "AgentWallet222")

	body, err := auth.SignRequest(OpUpdateLeverage, map[string]any{"symbol": "ETH", "leverage": 5})
	if err != nil {
		t.Fatalf("SignRequest failed: %v", err)
	}
	if body["account"] != "MainAccount111" {
		t.Errorf("Expected main account, got %v", body["account"])
	}
	if body["agent_wallet"] != "AgentWallet222" {
		t.Errorf("Expected agent wallet, got %v", body["agent_wallet"])
	}
	if auth.PublicKey() != base58.Encode(pub) {
		t.Errorf("Expected public key %s, got %s", base58.Encode(pub), auth.PublicKey())
	}
}

func TestNewKeypairAuthenticatorAcceptsSeed(t *testing.T) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("Failed to generate key: %v", err)
	}
	auth, err := NewKeypairAuthenticator(base58.Encode(priv.Seed()), "", "")
	if err != nil {
		t.Fatalf("Expected seed to be accepted: %v", err)
	}
	if auth.Account() != base58.Encode(priv.Public().(ed25519.PublicKey)) {
		t.Error("Expected account derived from seed to match the keypair public key")
	}

	if _, err := NewKeypairAuthenticator(base58.Encode([]byte("short")), "", ""); err == nil {
		t.Error("Expected error for invalid key length")
	}
	if _, err := NewKeypairAuthenticator("0OIl", "", ""); err == nil {
		t.Error("Expected error for non-base58 key")
	}
}
