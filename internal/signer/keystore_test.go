package signer

import (
	"context"
	"testing"

	"github.com/ethereum/go-ethereum/accounts/keystore"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eidos-exchange/eidos/eidos-dapp/internal/model"
	"github.com/eidos-exchange/eidos/eidos-dapp/pkg/errors"
)

const testPassphrase = "correct horse"

func createTestSigner(t *testing.T) (*KeystoreSigner, string) {
	t.Helper()
	dir := t.TempDir()

	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	ks := keystore.NewKeyStore(dir, keystore.LightScryptN, keystore.LightScryptP)
	acc, err := ks.ImportECDSA(key, testPassphrase)
	require.NoError(t, err)

	s, err := NewKeystoreSigner(Config{
		KeystoreDir: dir,
		Passphrase:  testPassphrase,
		ScryptN:     keystore.LightScryptN,
		ScryptP:     keystore.LightScryptP,
	})
	require.NoError(t, err)
	return s, acc.Address.Hex()
}

func testRequest(id string) *model.SigningRequest {
	return &model.SigningRequest{
		ID: id,
		Payload: model.Payload{
			Recipients: []model.Recipient{{Address: "aleo1recipient", Amount: decimal.RequireFromString("12.5")}},
			Fee:        decimal.NewFromInt(1),
		},
	}
}

func TestKeystoreSigner_Sign(t *testing.T) {
	s, account := createTestSigner(t)
	ctx := context.Background()
	assert.Equal(t, []string{account}, s.Accounts())

	tx, err := s.Sign(ctx, account, testRequest("req-1"))
	require.NoError(t, err)
	assert.NotEmpty(t, tx.TxID)
	assert.NotEmpty(t, tx.Raw)

	requestID, err := Verify(tx, account)
	require.NoError(t, err)
	assert.Equal(t, "req-1", requestID)

	// 相同请求签名结果确定
	again, err := s.Sign(ctx, account, testRequest("req-1"))
	require.NoError(t, err)
	assert.Equal(t, tx.TxID, again.TxID)

	other, err := s.Sign(ctx, account, testRequest("req-2"))
	require.NoError(t, err)
	assert.NotEqual(t, tx.TxID, other.TxID)
}

func TestKeystoreSigner_Errors(t *testing.T) {
	s, account := createTestSigner(t)
	ctx := context.Background()

	_, err := s.Sign(ctx, "not-an-address", testRequest("req-1"))
	assert.True(t, errors.Is(err, errors.ErrInvalidRequest))

	_, err = s.Sign(ctx, "0x000000000000000000000000000000000000dEaD", testRequest("req-1"))
	assert.Error(t, err)

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	_, err = s.Sign(cancelled, account, testRequest("req-1"))
	assert.ErrorIs(t, err, context.Canceled)

	tx, err := s.Sign(ctx, account, testRequest("req-1"))
	require.NoError(t, err)
	_, err = Verify(tx, "0x000000000000000000000000000000000000dEaD")
	assert.Error(t, err)
}

func TestNewKeystoreSigner_WrongPassphrase(t *testing.T) {
	dir := t.TempDir()
	ks := keystore.NewKeyStore(dir, keystore.LightScryptN, keystore.LightScryptP)
	_, err := ks.NewAccount(testPassphrase)
	require.NoError(t, err)

	_, err = NewKeystoreSigner(Config{
		KeystoreDir: dir,
		Passphrase:  "wrong",
		ScryptN:     keystore.LightScryptN,
		ScryptP:     keystore.LightScryptP,
	})
	assert.Error(t, err)

	_, err = NewKeystoreSigner(Config{})
	assert.Error(t, err)
}
