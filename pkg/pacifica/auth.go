package pacifica

import (
	"crypto/ed25519"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mr-tron/base58"
)

// OperationType names the signed action; it is part of the signed message.
type OperationType string

const (
	OpCreateOrder       OperationType = "create_order"
	OpCreateMarketOrder OperationType = "create_market_order"
	OpCancelOrder       OperationType = "cancel_order"
	OpCancelAllOrders   OperationType = "cancel_all_orders"
	OpUpdateLeverage    OperationType = "update_leverage"
	OpSetPositionTPSL   OperationType = "set_position_tpsl"
)

const DefaultExpiryWindow = 30 * time.Second

// Authenticator turns operation params into a signed request body.
type Authenticator interface {
	Account() string
	SignRequest(op OperationType, params map[string]any) (map[string]any, error)
}

// KeypairAuthenticator signs with a Solana ed25519 key, optionally as an API agent
// acting for a different main account.
type KeypairAuthenticator struct {
	account      string
	agentWallet  string
	privateKey   ed25519.PrivateKey
	expiryWindow time.Duration
	now          func() time.Time
}

// NewKeypairAuthenticator accepts a base58 64-byte keypair or 32-byte seed. An empty account
// defaults to the key's own public key.
func NewKeypairAuthenticator(privateKeyB58, account, agentWallet string) (*KeypairAuthenticator, error) {
	raw, err := base58.Decode(privateKeyB58)
	if err != nil {
		return nil, fmt.Errorf("failed to decode private key: %w", err)
	}

	var key ed25519.PrivateKey
	switch len(raw) {
	case ed25519.PrivateKeySize:
		key = ed25519.PrivateKey(raw)
	case ed25519.SeedSize:
		key = ed25519.NewKeyFromSeed(raw)
	default:
		return nil, fmt.Errorf("invalid private key length %d", len(raw))
	}

	if account == "" {
		account = base58.Encode(key.Public().(ed25519.PublicKey))
	}

	return &KeypairAuthenticator{
		account:      account,
		agentWallet:  agentWallet,
		privateKey:   key,
		expiryWindow: DefaultExpiryWindow,
		now:          time.Now,
	}, nil
}

func (k *KeypairAuthenticator) Account() string {
	return k.account
}

// PublicKey is the signer's base58 public key; for agents this differs from Account.
func (k *KeypairAuthenticator) PublicKey() string {
	return base58.Encode(k.privateKey.Public().(ed25519.PublicKey))
}

func (k *KeypairAuthenticator) SignRequest(op OperationType, params map[string]any) (map[string]any, error) {
	timestamp := k.now().UnixMilli()
	expiry := k.expiryWindow.Milliseconds()

	message, err := signingMessage(op, params, timestamp, expiry)
	if err != nil {
		return nil, err
	}
	signature := ed25519.Sign(k.privateKey, message)

	body := make(map[string]any, len(params)+5)
	for key, value := range params {
		body[key] = value
	}
	body["account"] = k.account
	body["signature"] = base58.Encode(signature)
	body["timestamp"] = timestamp
	body["expiry_window"] = expiry
	if k.agentWallet != "" {
		body["agent_wallet"] = k.agentWallet
	}
	return body, nil
}

// signingMessage builds the compact JSON the exchange verifies. encoding/json sorts map keys
// at every level, which is exactly the canonical form required.
func signingMessage(op OperationType, params map[string]any, timestamp, expiry int64) ([]byte, error) {
	header := map[string]any{
		"timestamp":     timestamp,
		"expiry_window": expiry,
		"type":          string(op),
		"data":          params,
	}
	message, err := json.Marshal(header)
	if err != nil {
		return nil, fmt.Errorf("failed to encode signing message: %w", err)
	}
	return message, nil
}
