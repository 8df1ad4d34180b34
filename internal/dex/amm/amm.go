// internal/dex/amm/amm.go
package amm

import (
	"encoding/binary"

	"github.com/gagliardetto/solana-go"
)

// ProgramID is the on-chain AMM program tokens graduate into.
var ProgramID = solana.MustPublicKeyFromBase58("pAMMBay6oceH9fJKBRHGP5D4bD4sWpmSwMn52FMfXEA")

// WSOLMint is the wrapped native SOL mint, the quote side of every pool.
var WSOLMint = solana.MustPublicKeyFromBase58("So11111111111111111111111111111111111111112")

// NativeSOL reports whether a base58 mint string is wrapped SOL.
func NativeSOL(mint string) bool {
	return mint == WSOLMint.String()
}

// SPL token account balances sit at a fixed offset.
const (
	TokenAccountAmountOffset = 64
	TokenAccountDataLen      = 165
)

// TokenAccountAmount reads the raw balance out of an SPL token account.
// Returns 0 when the data is too short to carry one.
func TokenAccountAmount(data []byte) uint64 {
	if len(data) < TokenAccountAmountOffset+8 {
		return 0
	}
	return binary.LittleEndian.Uint64(data[TokenAccountAmountOffset : TokenAccountAmountOffset+8])
}
