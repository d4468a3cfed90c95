// Package signer 基于 go-ethereum keystore 的签名器，私钥只在本包内使用
package signer

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/accounts/keystore"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"go.uber.org/zap"

	"github.com/eidos-exchange/eidos/eidos-dapp/internal/model"
	"github.com/eidos-exchange/eidos/eidos-dapp/pkg/errors"
	"github.com/eidos-exchange/eidos/eidos-dapp/pkg/logger"
)

// Config 签名器配置
type Config struct {
	KeystoreDir string
	Passphrase  string
	ScryptN     int
	ScryptP     int
}

// envelope 被签名的交易结构，签名覆盖除 Signature 外的全部字段
type envelope struct {
	RequestID string        `json:"request_id"`
	Account   string        `json:"account"`
	Payload   model.Payload `json:"payload"`
	Signature string        `json:"signature,omitempty"`
}

// KeystoreSigner keystore 签名器
type KeystoreSigner struct {
	ks *keystore.KeyStore
}

// NewKeystoreSigner 打开 keystore 目录并解锁全部账户
func NewKeystoreSigner(cfg Config) (*KeystoreSigner, error) {
	if cfg.KeystoreDir == "" {
		return nil, fmt.Errorf("keystore dir is required")
	}
	if cfg.ScryptN == 0 {
		cfg.ScryptN = keystore.StandardScryptN
	}
	if cfg.ScryptP == 0 {
		cfg.ScryptP = keystore.StandardScryptP
	}

	ks := keystore.NewKeyStore(cfg.KeystoreDir, cfg.ScryptN, cfg.ScryptP)
	for _, acc := range ks.Accounts() {
		if err := ks.Unlock(acc, cfg.Passphrase); err != nil {
			return nil, fmt.Errorf("unlock account %s: %w", acc.Address.Hex(), err)
		}
	}

	logger.Info("keystore signer ready",
		zap.String("dir", cfg.KeystoreDir),
		zap.Int("accounts", len(ks.Accounts())))
	return &KeystoreSigner{ks: ks}, nil
}

// Accounts 返回可签名的账户地址
func (s *KeystoreSigner) Accounts() []string {
	accs := s.ks.Accounts()
	out := make([]string, 0, len(accs))
	for _, acc := range accs {
		out = append(out, acc.Address.Hex())
	}
	return out
}

// Sign 对请求签名，同一请求的签名结果和交易 ID 是确定的
func (s *KeystoreSigner) Sign(ctx context.Context, accountID string, req *model.SigningRequest) (*model.SignedTx, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !common.IsHexAddress(accountID) {
		return nil, errors.ErrInvalidRequest.WithMessagef("account %q is not a hex address", accountID)
	}

	acc, err := s.ks.Find(accounts.Account{Address: common.HexToAddress(accountID)})
	if err != nil {
		return nil, fmt.Errorf("account %s not in keystore: %w", accountID, err)
	}

	env := envelope{
		RequestID: req.ID,
		Account:   acc.Address.Hex(),
		Payload:   req.Payload,
	}
	digest, err := env.digest()
	if err != nil {
		return nil, err
	}

	sig, err := s.ks.SignHash(acc, digest)
	if err != nil {
		return nil, fmt.Errorf("sign request %s: %w", req.ID, err)
	}
	env.Signature = hexutil.Encode(sig)

	raw, err := json.Marshal(env)
	if err != nil {
		return nil, err
	}
	tx := &model.SignedTx{
		TxID: hexutil.Encode(crypto.Keccak256(raw)),
		Raw:  hexutil.Encode(raw),
	}
	if _, err := Verify(tx, acc.Address.Hex()); err != nil {
		return nil, fmt.Errorf("verify signature of request %s: %w", req.ID, err)
	}
	return tx, nil
}

// Verify 校验签名交易由 accountID 签出，返回解码后的请求 ID
func Verify(tx *model.SignedTx, accountID string) (string, error) {
	raw, err := hexutil.Decode(tx.Raw)
	if err != nil {
		return "", fmt.Errorf("decode raw: %w", err)
	}
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return "", fmt.Errorf("decode envelope: %w", err)
	}
	sig, err := hexutil.Decode(env.Signature)
	if err != nil {
		return "", fmt.Errorf("decode signature: %w", err)
	}

	env.Signature = ""
	digest, err := env.digest()
	if err != nil {
		return "", err
	}
	pub, err := crypto.SigToPub(digest, sig)
	if err != nil {
		return "", fmt.Errorf("recover public key: %w", err)
	}
	if !strings.EqualFold(crypto.PubkeyToAddress(*pub).Hex(), accountID) {
		return "", fmt.Errorf("signature does not match account %s", accountID)
	}
	return env.RequestID, nil
}

func (e envelope) digest() ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, err
	}
	return crypto.Keccak256(data), nil
}
