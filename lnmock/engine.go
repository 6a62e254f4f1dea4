// NOTE: forcetypeassert is skipped for the mock because the test would fail if
// the returned value doesn't match the type.
package lnmock

import (
	"context"

	"github.com/lightningnetwork/lnwasm/engine"
	"github.com/stretchr/testify/mock"
)

// MockEngine implements the `engine.Engine` interface.
type MockEngine struct {
	mock.Mock
}

// Compile time assertion that MockEngine implements engine.Engine.
var _ engine.Engine = (*MockEngine)(nil)

func (m *MockEngine) AdvanceChannelState(ctx context.Context,
	action engine.Action) (*engine.Delta, error) {

	args := m.Called(ctx, action)

	return delta(args.Get(0)), args.Error(1)
}

func (m *MockEngine) ProcessPeerEvent(ctx context.Context) (*engine.Delta,
	error) {

	args := m.Called(ctx)

	return delta(args.Get(0)), args.Error(1)
}

func (m *MockEngine) SyncToChain(ctx context.Context) (*engine.Delta, error) {
	args := m.Called(ctx)

	return delta(args.Get(0)), args.Error(1)
}

func (m *MockEngine) MonitorsPersisted(ctx context.Context,
	acks []engine.MonitorAck) error {

	args := m.Called(ctx, acks)

	return args.Error(0)
}

// delta accepts a nil return value as well as a *engine.Delta.
func delta(v any) *engine.Delta {
	if v == nil {
		return nil
	}

	return v.(*engine.Delta)
}
