// internal/dex/curve/state.go
package curve

import (
	"bytes"
	"fmt"

	bin "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"
)

// StateDiscriminator prefixes bonding-curve account data.
var StateDiscriminator = []byte{23, 183, 248, 55, 96, 216, 172, 96}

// State is the decoded bonding-curve account.
type State struct {
	VirtualTokenReserves uint64
	VirtualSolReserves   uint64
	RealTokenReserves    uint64
	RealSolReserves      uint64
	TokenTotalSupply     uint64
	Complete             bool
	Creator              solana.PublicKey
	HasCreator           bool
}

// stateFixed is the borsh-encoded fixed section after the discriminator.
type stateFixed struct {
	VirtualTokenReserves uint64
	VirtualSolReserves   uint64
	RealTokenReserves    uint64
	RealSolReserves      uint64
	TokenTotalSupply     uint64
	Complete             bool
}

// ParseState decodes a bonding-curve account.
func ParseState(data []byte) (*State, error) {
	if len(data) < 8 {
		return nil, fmt.Errorf("data too short for curve state")
	}
	if !bytes.Equal(data[:8], StateDiscriminator) {
		return nil, fmt.Errorf("invalid discriminator for curve state")
	}

	dec := bin.NewBorshDecoder(data[8:])
	var fixed stateFixed
	if err := dec.Decode(&fixed); err != nil {
		return nil, fmt.Errorf("failed to decode curve state: %w", err)
	}

	st := &State{
		VirtualTokenReserves: fixed.VirtualTokenReserves,
		VirtualSolReserves:   fixed.VirtualSolReserves,
		RealTokenReserves:    fixed.RealTokenReserves,
		RealSolReserves:      fixed.RealSolReserves,
		TokenTotalSupply:     fixed.TokenTotalSupply,
		Complete:             fixed.Complete,
	}

	// Newer curve accounts append the creator key.
	if dec.Remaining() >= 32 {
		raw, err := dec.ReadNBytes(32)
		if err != nil {
			return nil, fmt.Errorf("failed to decode curve creator: %w", err)
		}
		st.Creator = solana.PublicKeyFromBytes(raw)
		st.HasCreator = true
	}

	return st, nil
}
