// Package engine defines the boundary to the Lightning protocol engine that
// the runtime drives. The engine is a black box: every call returns a Delta
// that the runtime encodes and commits with the ordering hints it needs.
package engine

import (
	"context"
	"errors"

	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/lightningnetwork/lnwasm/codec"
)

// ErrUnsupportedAction is returned by engines that do not implement an
// action.
var ErrUnsupportedAction = errors.New("unsupported engine action")

// Engine is the Lightning protocol engine. Every method may block on network
// or storage and is only ever called from inside scheduler.TaskContext.Await.
type Engine interface {
	// AdvanceChannelState performs a caller initiated action.
	AdvanceChannelState(ctx context.Context, action Action) (*Delta, error)

	// ProcessPeerEvent handles pending peer messages. An empty delta means
	// there was nothing to do.
	ProcessPeerEvent(ctx context.Context) (*Delta, error)

	// SyncToChain catches the engine up with the chain tip.
	SyncToChain(ctx context.Context) (*Delta, error)

	// MonitorsPersisted tells the engine which monitor updates are
	// durable, releasing the channel state that depends on them.
	MonitorsPersisted(ctx context.Context, acks []MonitorAck) error
}

// Delta is the state an engine call produced.
type Delta struct {
	// Monitors are written before Manager.
	Monitors []*codec.ChannelMonitor

	// Manager, if set, depends on every monitor of this delta.
	Manager fn.Option[*codec.ChannelManager]

	WalletMeta fn.Option[*codec.WalletMeta]

	Payments []*codec.PaymentInfo

	// Result is the typed answer to the call, nil when there is none.
	Result Result
}

// IsEmpty reports whether d carries nothing to persist or return.
func (d *Delta) IsEmpty() bool {
	return d == nil || (len(d.Monitors) == 0 && d.Manager.IsNone() &&
		d.WalletMeta.IsNone() && len(d.Payments) == 0 &&
		d.Result == nil)
}

// ChannelIDs returns the channels whose monitors d updates.
func (d *Delta) ChannelIDs() []codec.ChannelID {
	ids := make([]codec.ChannelID, 0, len(d.Monitors))
	for _, m := range d.Monitors {
		ids = append(ids, m.ChannelID)
	}

	return ids
}

// MonitorAck identifies a durable monitor update.
type MonitorAck struct {
	ChannelID codec.ChannelID
	UpdateID  uint64
}
