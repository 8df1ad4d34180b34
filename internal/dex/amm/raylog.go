// internal/dex/amm/raylog.go
package amm

import (
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"strings"
)

// RayLogPrefix marks the base64-encoded balance blob some swap logs carry.
const RayLogPrefix = "ray_log: "

// RayLog carries the pool balances appended to a swap log line.
type RayLog struct {
	Kind      uint8
	PoolSol   uint64
	PoolToken uint64
}

// ParseRayLog decodes a `ray_log: <base64>` log line into pool balances.
func ParseRayLog(line string) (*RayLog, error) {
	idx := strings.Index(line, RayLogPrefix)
	if idx < 0 {
		return nil, fmt.Errorf("no ray_log marker in line")
	}

	encoded := strings.TrimSpace(line[idx+len(RayLogPrefix):])
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("failed to decode ray_log payload: %w", err)
	}
	if len(raw) < 17 {
		return nil, fmt.Errorf("ray_log payload too short: %d bytes", len(raw))
	}

	return &RayLog{
		Kind:      raw[0],
		PoolSol:   binary.LittleEndian.Uint64(raw[1:9]),
		PoolToken: binary.LittleEndian.Uint64(raw[9:17]),
	}, nil
}

// FindRayLog scans transaction logs for a decodable ray_log line.
func FindRayLog(logs []string) (*RayLog, bool) {
	for _, line := range logs {
		if !strings.Contains(line, RayLogPrefix) {
			continue
		}
		if rl, err := ParseRayLog(line); err == nil {
			return rl, true
		}
	}
	return nil, false
}
