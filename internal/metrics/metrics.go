// Package metrics counts dispatch outcomes on the server. Counters are
// advisory: they are read outside any transaction lock, so a snapshot may
// momentarily lag an ack already on the wire.
package metrics

import (
	"sync/atomic"
	"time"
)

type Snapshot struct {
	GeneratedAt       time.Time `json:"generated_at"`
	DropShort         uint64    `json:"drop_short"`
	DropUnknownType   uint64    `json:"drop_unknown_type"`
	Discoveries       uint64    `json:"discoveries"`
	Duplicates        uint64    `json:"duplicates"`
	UnknownClient     uint64    `json:"unknown_client"`
	InvalidDest       uint64    `json:"invalid_dest"`
	InsufficientFunds uint64    `json:"insufficient_funds"`
	TransfersApplied  uint64    `json:"transfers_applied"`
}

type Metrics struct {
	dropShort         atomic.Uint64
	dropUnknownType   atomic.Uint64
	discoveries       atomic.Uint64
	duplicates        atomic.Uint64
	unknownClient     atomic.Uint64
	invalidDest       atomic.Uint64
	insufficientFunds atomic.Uint64
	transfersApplied  atomic.Uint64
}

func New() *Metrics {
	return &Metrics{}
}

func (m *Metrics) IncDropShort()         { m.dropShort.Add(1) }
func (m *Metrics) IncDropUnknownType()   { m.dropUnknownType.Add(1) }
func (m *Metrics) IncDiscovery()         { m.discoveries.Add(1) }
func (m *Metrics) IncDuplicate()         { m.duplicates.Add(1) }
func (m *Metrics) IncUnknownClient()     { m.unknownClient.Add(1) }
func (m *Metrics) IncInvalidDest()       { m.invalidDest.Add(1) }
func (m *Metrics) IncInsufficientFunds() { m.insufficientFunds.Add(1) }
func (m *Metrics) IncTransferApplied()   { m.transfersApplied.Add(1) }

func (m *Metrics) Snapshot() Snapshot {
	return Snapshot{
		GeneratedAt:       time.Now().UTC(),
		DropShort:         m.dropShort.Load(),
		DropUnknownType:   m.dropUnknownType.Load(),
		Discoveries:       m.discoveries.Load(),
		Duplicates:        m.duplicates.Load(),
		UnknownClient:     m.unknownClient.Load(),
		InvalidDest:       m.invalidDest.Load(),
		InsufficientFunds: m.insufficientFunds.Load(),
		TransfersApplied:  m.transfersApplied.Load(),
	}
}
