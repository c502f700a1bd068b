// internal/wallet/wallet_test.go
package wallet

import (
	"testing"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/programs/system"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewFromBase58(t *testing.T) {
	keypair := solana.NewWallet()

	w, err := New(keypair.PrivateKey.String())
	require.NoError(t, err)

	assert.Equal(t, keypair.PublicKey(), w.PublicKey())
	assert.Equal(t, keypair.PublicKey().String(), w.String())
}

func TestNewRejectsGarbage(t *testing.T) {
	_, err := New("not-base58!!!")
	assert.Error(t, err)
}

func TestNewRejectsWrongLength(t *testing.T) {
	// A public key is valid base58 but only 32 bytes.
	_, err := New(solana.NewWallet().PublicKey().String())
	assert.ErrorContains(t, err, "invalid private key length")
}

func TestSign(t *testing.T) {
	keypair := solana.NewWallet()
	w, err := New(keypair.PrivateKey.String())
	require.NoError(t, err)

	tx, err := solana.NewTransaction(
		[]solana.Instruction{
			system.NewTransferInstruction(1, w.PublicKey(), solana.NewWallet().PublicKey()).Build(),
		},
		solana.Hash{},
		solana.TransactionPayer(w.PublicKey()),
	)
	require.NoError(t, err)

	require.NoError(t, w.Sign(tx))
	require.Len(t, tx.Signatures, 1)
	assert.NoError(t, tx.VerifySignatures())
}
