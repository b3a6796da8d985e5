package crypto

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/common/hexutil"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Hardhat's first development account.
const (
	testKey     = "ac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"
	testAddress = "0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266"
)

func TestHMACHeadersDeterministic(t *testing.T) {
	auth := &HMACAuth{Key: "key-123", Secret: "c2VjcmV0", Passphrase: "pp"}
	h1 := auth.HeadersAt("POST", "/orders", `{"a":1}`, 1700000000)
	h2 := auth.HeadersAt("POST", "/orders", `{"a":1}`, 1700000000)
	assert.Equal(t, h1, h2)
	assert.Equal(t, "1700000000", h1[HeaderTimestamp])
	assert.Equal(t, "key-123", h1[HeaderAPIKey])

	h3 := auth.HeadersAt("POST", "/orders", `{"a":2}`, 1700000000)
	assert.NotEqual(t, h1[HeaderSignature], h3[HeaderSignature])

	assert.True(t, auth.Verify("POST", "/orders", `{"a":1}`, "1700000000", h1[HeaderSignature]))
	assert.False(t, auth.Verify("POST", "/orders", `{"a":1}`, "1700000001", h1[HeaderSignature]))
	assert.NotContains(t, auth.String(), "c2VjcmV0")
}

func TestSignerRecoversAddress(t *testing.T) {
	s, err := NewSigner("0x"+testKey, "simplearb", 137)
	require.NoError(t, err)
	assert.Equal(t, testAddress, s.Address().Hex())

	order := OrderPayload{
		Maker:          testAddress,
		IdempotencyKey: "k-1",
		Instrument:     "BTC-USD",
		Side:           0,
		Price:          decimal.RequireFromString("100.5"),
		Size:           decimal.RequireFromString("0.25"),
		Expiration:     1700000000,
	}
	sigHex, err := s.SignOrder(order)
	require.NoError(t, err)

	sig, err := hexutil.Decode(sigHex)
	require.NoError(t, err)
	require.Len(t, sig, 65)
	assert.Contains(t, []byte{27, 28}, sig[64])

	digest, err := s.orderDigest(order)
	require.NoError(t, err)
	sig[64] -= 27
	pub, err := ethcrypto.SigToPub(digest, sig)
	require.NoError(t, err)
	assert.Equal(t, s.Address(), ethcrypto.PubkeyToAddress(*pub))
}

func TestSignerRejectsBadOrders(t *testing.T) {
	s, err := NewSigner(testKey, "simplearb", 1)
	require.NoError(t, err)

	_, err = s.SignOrder(OrderPayload{Side: 2})
	assert.Error(t, err)
	_, err = s.SignOrder(OrderPayload{Price: decimal.RequireFromString("0.000000001")})
	assert.ErrorContains(t, err, "exceeds")
	_, err = s.SignOrder(OrderPayload{Size: decimal.NewFromInt(-1)})
	assert.ErrorContains(t, err, "negative")

	_, err = NewSigner("zz", "simplearb", 1)
	assert.Error(t, err)
}

func TestSignatureDependsOnDomain(t *testing.T) {
	a, err := NewSigner(testKey, "simplearb", 1)
	require.NoError(t, err)
	b, err := NewSigner(testKey, "simplearb", 137)
	require.NoError(t, err)
	sa, err := a.SignAuth(1700000000)
	require.NoError(t, err)
	sb, err := b.SignAuth(1700000000)
	require.NoError(t, err)
	assert.NotEqual(t, sa, sb)
}

func TestKeyFileRoundTrip(t *testing.T) {
	data, err := EncryptKey("0x"+testKey, "hunter2")
	require.NoError(t, err)
	assert.NotContains(t, string(data), testKey)

	path := filepath.Join(t.TempDir(), "key.json")
	require.NoError(t, os.WriteFile(path, data, 0o600))

	got, err := LoadKey(KeySource{EncryptedKeyPath: path, KeyPassword: "hunter2"})
	require.NoError(t, err)
	assert.Equal(t, testKey, got)

	_, err = LoadKey(KeySource{EncryptedKeyPath: path, KeyPassword: "wrong"})
	assert.ErrorContains(t, err, "decryption failed")
}

func TestLoadKeyPrecedence(t *testing.T) {
	got, err := LoadKey(KeySource{RawPrivateKey: "0x" + strings.ToUpper(testKey), EncryptedKeyPath: "/nonexistent"})
	require.NoError(t, err)
	assert.Equal(t, strings.ToUpper(testKey), got)

	_, err = LoadKey(KeySource{})
	assert.Error(t, err)
	assert.True(t, KeySource{}.Empty())

	_, err = EncryptKey(testKey, "")
	assert.Error(t, err)
	_, err = EncryptKey("abcd", "pw")
	assert.ErrorContains(t, err, "32-byte")
}
