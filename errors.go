package lnwasm

import "errors"

var (
	// ErrChannelHalted is returned for actions on a channel whose monitor
	// could not be persisted in order. The channel stays halted until the
	// runtime restarts.
	ErrChannelHalted = errors.New("channel halted after failed monitor write")

	// ErrChainSync wraps the most recent chain sync error. Payments are
	// refused while the engine may be behind the chain.
	ErrChainSync = errors.New("chain sync failing")

	// ErrRoutingFailed is returned for payments that failed for good.
	ErrRoutingFailed = errors.New("payment routing failed")

	// ErrUnexpectedResult is returned when the engine answers an action
	// with a result of the wrong type.
	ErrUnexpectedResult = errors.New("unexpected engine result")

	// ErrUnknownPayment is returned when looking up a payment hash that
	// was never recorded.
	ErrUnknownPayment = errors.New("unknown payment")

	// ErrNoKeyRing is returned by key operations of a runtime built
	// without a key ring.
	ErrNoKeyRing = errors.New("no key ring configured")

	// ErrNotStarted is returned by calls made before Start.
	ErrNotStarted = errors.New("runtime not started")

	// ErrAlreadyStarted is returned by a second Start.
	ErrAlreadyStarted = errors.New("runtime already started")
)
