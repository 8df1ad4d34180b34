// internal/dex/curve/curve.go
package curve

import (
	"fmt"

	"github.com/gagliardetto/solana-go"
)

// ProgramID is the on-chain bonding-curve program.
var ProgramID = solana.MustPublicKeyFromBase58("6EF8rrecthR5Dkzon8Nwu78hRvfCKubJ14M5uBEwF6P")

// Initial virtual reserves assigned to every freshly created curve. Used as
// the pricing fallback when neither the event nor the cache carries reserves.
const (
	DefaultVirtualSolReserves   uint64 = 30_000_000_000
	DefaultVirtualTokenReserves uint64 = 1_073_000_000_000_000
)

// Completion targets of the curve, in whole SOL. Exposed as defaults; the
// effective values come from configuration.
const (
	DefaultStartSOL  = 30.0
	DefaultTargetSOL = 85.0
)

// DeriveBondingCurve returns the curve PDA for a mint.
func DeriveBondingCurve(mint solana.PublicKey) (solana.PublicKey, error) {
	addr, _, err := solana.FindProgramAddress(
		[][]byte{[]byte("bonding-curve"), mint.Bytes()},
		ProgramID,
	)
	if err != nil {
		return solana.PublicKey{}, fmt.Errorf("failed to derive bonding curve for %s: %w", mint.String(), err)
	}
	return addr, nil
}

// DeriveCreatorVault returns the creator fee vault PDA.
func DeriveCreatorVault(creator solana.PublicKey) (solana.PublicKey, error) {
	addr, _, err := solana.FindProgramAddress(
		[][]byte{[]byte("creator-vault"), creator.Bytes()},
		ProgramID,
	)
	if err != nil {
		return solana.PublicKey{}, fmt.Errorf("failed to derive creator vault for %s: %w", creator.String(), err)
	}
	return addr, nil
}
