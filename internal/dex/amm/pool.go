// internal/dex/amm/pool.go
package amm

import (
	"encoding/binary"
	"fmt"

	"github.com/gagliardetto/solana-go"
)

// Account discriminators extracted from the IDL.
var (
	PoolDiscriminator         = []byte{241, 154, 109, 4, 17, 177, 109, 188}
	GlobalConfigDiscriminator = []byte{149, 8, 156, 202, 160, 252, 176, 217}
)

// Memcmp offsets of the mint fields inside a pool account, used by
// GetProgramAccounts filters when discovering pools.
const (
	PoolBaseMintOffset  = 8 + 1 + 2 + 32
	PoolQuoteMintOffset = PoolBaseMintOffset + 32
)

// Pool is a decoded AMM pool account.
type Pool struct {
	PoolBump              uint8
	Index                 uint16
	Creator               solana.PublicKey
	BaseMint              solana.PublicKey
	QuoteMint             solana.PublicKey
	LPMint                solana.PublicKey
	PoolBaseTokenAccount  solana.PublicKey
	PoolQuoteTokenAccount solana.PublicKey
	LPSupply              uint64
	CoinCreator           solana.PublicKey
}

// ParsePool decodes a pool account.
func ParsePool(data []byte) (*Pool, error) {
	if len(data) < 8 {
		return nil, fmt.Errorf("data too short for pool")
	}
	for i := 0; i < 8; i++ {
		if data[i] != PoolDiscriminator[i] {
			return nil, fmt.Errorf("invalid discriminator for pool")
		}
	}

	pos := 8
	if len(data) < pos+1+2+32*6+8 {
		return nil, fmt.Errorf("data too short for pool content: %d bytes", len(data))
	}

	pool := &Pool{}
	pool.PoolBump = data[pos]
	pos++
	pool.Index = binary.LittleEndian.Uint16(data[pos : pos+2])
	pos += 2

	pool.Creator = solana.PublicKeyFromBytes(data[pos : pos+32])
	pos += 32
	pool.BaseMint = solana.PublicKeyFromBytes(data[pos : pos+32])
	pos += 32
	pool.QuoteMint = solana.PublicKeyFromBytes(data[pos : pos+32])
	pos += 32
	pool.LPMint = solana.PublicKeyFromBytes(data[pos : pos+32])
	pos += 32
	pool.PoolBaseTokenAccount = solana.PublicKeyFromBytes(data[pos : pos+32])
	pos += 32
	pool.PoolQuoteTokenAccount = solana.PublicKeyFromBytes(data[pos : pos+32])
	pos += 32

	pool.LPSupply = binary.LittleEndian.Uint64(data[pos : pos+8])
	pos += 8

	// Newer pools append the coin creator key.
	if len(data) >= pos+32 {
		pool.CoinCreator = solana.PublicKeyFromBytes(data[pos : pos+32])
	}

	return pool, nil
}

// GlobalConfig is the decoded AMM global configuration account.
type GlobalConfig struct {
	Admin                  solana.PublicKey
	LPFeeBasisPoints       uint64
	ProtocolFeeBasisPoints uint64
	DisableFlags           uint8
}

// ParseGlobalConfig decodes the fee section of the global config account.
func ParseGlobalConfig(data []byte) (*GlobalConfig, error) {
	if len(data) < 8 {
		return nil, fmt.Errorf("data too short for global config")
	}
	for i := 0; i < 8; i++ {
		if data[i] != GlobalConfigDiscriminator[i] {
			return nil, fmt.Errorf("invalid discriminator for global config")
		}
	}

	pos := 8
	if len(data) < pos+32+8+8+1 {
		return nil, fmt.Errorf("data too short for global config content: %d bytes", len(data))
	}

	cfg := &GlobalConfig{}
	cfg.Admin = solana.PublicKeyFromBytes(data[pos : pos+32])
	pos += 32
	cfg.LPFeeBasisPoints = binary.LittleEndian.Uint64(data[pos : pos+8])
	pos += 8
	cfg.ProtocolFeeBasisPoints = binary.LittleEndian.Uint64(data[pos : pos+8])
	pos += 8
	cfg.DisableFlags = data[pos]

	return cfg, nil
}
