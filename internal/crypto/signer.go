package crypto

import (
	"crypto/ecdsa"
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/shopspring/decimal"
)

// AmountDecimals is the fixed-point scale applied to prices and sizes before
// they are signed.
const AmountDecimals = 8

var (
	eip712DomainTypeHash = ethcrypto.Keccak256(
		[]byte("EIP712Domain(string name,string version,uint256 chainId)"),
	)

	authTypeHash = ethcrypto.Keccak256(
		[]byte("Auth(address address,uint256 timestamp)"),
	)

	orderTypeHash = ethcrypto.Keccak256(
		[]byte("Order(address maker,string idempotencyKey,string instrument,uint8 side,uint256 price,uint256 size,uint256 expiration)"),
	)
)

// OrderPayload is the wallet-signed form of an order intent.
type OrderPayload struct {
	Maker          string          `json:"maker"`
	IdempotencyKey string          `json:"idempotencyKey"`
	Instrument     string          `json:"instrument"`
	Side           int             `json:"side"` // 0 = buy, 1 = sell
	Price          decimal.Decimal `json:"price"`
	Size           decimal.Decimal `json:"size"`
	Expiration     int64           `json:"expiration"` // unix seconds
}

// Signer produces EIP-712 signatures for wallet-authenticated venues.
type Signer struct {
	privateKey *ecdsa.PrivateKey
	address    common.Address
	domainSep  []byte
}

// NewSigner creates a Signer from a hex-encoded secp256k1 private key. The
// domain separator binds signatures to name, version and chainID.
func NewSigner(privateKeyHex, name string, chainID int64) (*Signer, error) {
	pk, err := ethcrypto.HexToECDSA(strings.TrimPrefix(privateKeyHex, "0x"))
	if err != nil {
		return nil, fmt.Errorf("crypto/signer: invalid private key: %w", err)
	}
	return &Signer{
		privateKey: pk,
		address:    ethcrypto.PubkeyToAddress(pk.PublicKey),
		domainSep: ethcrypto.Keccak256(
			eip712DomainTypeHash,
			ethcrypto.Keccak256([]byte(name)),
			ethcrypto.Keccak256([]byte("1")),
			word(big.NewInt(chainID)),
		),
	}, nil
}

// Address returns the wallet address derived from the private key.
func (s *Signer) Address() common.Address {
	return s.address
}

// SignAuth signs the login message presented when opening an authenticated
// session. It returns a 0x-prefixed 65-byte signature.
func (s *Signer) SignAuth(timestamp int64) (string, error) {
	return s.signDigest(s.authDigest(timestamp))
}

// SignOrder signs order and returns a 0x-prefixed 65-byte signature.
func (s *Signer) SignOrder(order OrderPayload) (string, error) {
	digest, err := s.orderDigest(order)
	if err != nil {
		return "", err
	}
	return s.signDigest(digest)
}

func (s *Signer) authDigest(timestamp int64) []byte {
	return s.typedDigest(ethcrypto.Keccak256(
		authTypeHash,
		common.LeftPadBytes(s.address.Bytes(), 32),
		word(big.NewInt(timestamp)),
	))
}

func (s *Signer) orderDigest(o OrderPayload) ([]byte, error) {
	if o.Side != 0 && o.Side != 1 {
		return nil, fmt.Errorf("crypto/signer: invalid side %d", o.Side)
	}
	price, err := fixedPoint(o.Price)
	if err != nil {
		return nil, fmt.Errorf("crypto/signer: price: %w", err)
	}
	size, err := fixedPoint(o.Size)
	if err != nil {
		return nil, fmt.Errorf("crypto/signer: size: %w", err)
	}
	return s.typedDigest(ethcrypto.Keccak256(
		orderTypeHash,
		common.LeftPadBytes(common.HexToAddress(o.Maker).Bytes(), 32),
		ethcrypto.Keccak256([]byte(o.IdempotencyKey)),
		ethcrypto.Keccak256([]byte(o.Instrument)),
		word(big.NewInt(int64(o.Side))),
		word(price),
		word(size),
		word(big.NewInt(o.Expiration)),
	)), nil
}

// typedDigest is keccak256("\x19\x01" || domainSeparator || structHash).
func (s *Signer) typedDigest(structHash []byte) []byte {
	return ethcrypto.Keccak256([]byte{0x19, 0x01}, s.domainSep, structHash)
}

func (s *Signer) signDigest(digest []byte) (string, error) {
	sig, err := ethcrypto.Sign(digest, s.privateKey)
	if err != nil {
		return "", fmt.Errorf("crypto/signer: signing: %w", err)
	}
	// go-ethereum returns v in {0,1}; EIP-712 verifiers expect {27,28}.
	if sig[64] < 27 {
		sig[64] += 27
	}
	return "0x" + hex.EncodeToString(sig), nil
}

// fixedPoint scales d by AmountDecimals. Negative or over-precise amounts
// are refused rather than rounded.
func fixedPoint(d decimal.Decimal) (*big.Int, error) {
	if d.IsNegative() {
		return nil, fmt.Errorf("negative amount %s", d)
	}
	scaled := d.Shift(AmountDecimals)
	if !scaled.Equal(scaled.Truncate(0)) {
		return nil, fmt.Errorf("amount %s exceeds %d decimals", d, AmountDecimals)
	}
	return scaled.BigInt(), nil
}

// word returns the 32-byte big-endian encoding of n.
func word(n *big.Int) []byte {
	return common.LeftPadBytes(n.Bytes(), 32)
}
