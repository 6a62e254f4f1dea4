package lnwasm

import (
	"context"
	"errors"
	"fmt"

	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/lightningnetwork/lnwasm/codec"
	"github.com/lightningnetwork/lnwasm/engine"
	"github.com/lightningnetwork/lnwasm/lntypes"
	"github.com/lightningnetwork/lnwasm/scheduler"
	"github.com/lightningnetwork/lnwasm/store"
)

// SendPayment pays invoice as an interactive task bounded by the payment
// timeout. amt is only used for invoices without an amount. The task is
// cancelled if ctx ends before it finishes.
//
// The handle resolves with ErrChannelHalted or ErrChainSync if the node
// cannot pay right now, ErrRoutingFailed if the payment failed and
// scheduler.ErrTimeout if it did not settle in time.
func (r *NodeRuntime) SendPayment(ctx context.Context, invoice string,
	amt lntypes.MilliSatoshi) (*scheduler.Handle[*engine.PaymentResult],
	error) {

	if !r.started.Load() {
		return nil, ErrNotStarted
	}

	h, err := scheduler.SubmitOneShot(r.sched,
		scheduler.OneShot[*engine.PaymentResult]{
			Name:     "send-payment",
			Priority: scheduler.PriorityInteractive,
			Timeout:  r.cfg.PaymentTimeout,
			Handler: func(tc *scheduler.TaskContext) (
				*engine.PaymentResult, error) {

				return r.pay(tc, invoice, amt)
			},
		},
	)
	if err != nil {
		return nil, err
	}

	stop := context.AfterFunc(ctx, func() {
		if err := r.sched.Cancel(h.ID); err != nil {
			log.Debugf("Unable to cancel payment %v: %v", h.ID, err)
		}
	})
	h.OnComplete(context.Background(),
		func(fn.Result[*engine.PaymentResult]) {
			stop()
		},
	)

	return h, nil
}

// pay sends a payment and polls its status until it is final. The payment
// is recorded once initiated and again once final.
func (r *NodeRuntime) pay(tc *scheduler.TaskContext, invoice string,
	amt lntypes.MilliSatoshi) (*engine.PaymentResult, error) {

	if err := r.checkReady(); err != nil {
		return nil, err
	}

	res, err := r.advancePayment(tc, engine.SendPayment{
		Invoice: invoice,
		Amount:  amt,
	})
	if err != nil {
		return nil, err
	}

	log.DebugS(tc.Context(), "Payment initiated",
		"task", tc.ID().String(), "hash", res.Hash.String(),
		"status", res.Status.String())

	info := &codec.PaymentInfo{
		Hash:      res.Hash,
		Status:    res.Status,
		Amount:    res.Amount,
		Fee:       res.Fee,
		Invoice:   invoice,
		Preimage:  res.Preimage,
		CreatedAt: uint64(r.clock.Now().Unix()),
	}
	if err := r.commitPayment(tc, info); err != nil {
		return nil, err
	}

	for !res.Status.IsFinal() {
		if err := tc.Sleep(r.cfg.PaymentPollInterval); err != nil {
			return nil, err
		}

		res, err = r.advancePayment(tc, engine.LookupInvoice{
			Hash: info.Hash,
		})
		if err != nil {
			return nil, err
		}
	}

	info.Status = res.Status
	info.Fee = res.Fee
	info.Preimage = res.Preimage
	info.SettledAt = fn.Some(uint64(r.clock.Now().Unix()))
	if err := r.commitPayment(tc, info); err != nil {
		return nil, err
	}

	if res.Status == codec.PaymentFailed {
		return res, fmt.Errorf("%w: payment %v: %s", ErrRoutingFailed,
			res.Hash, res.FailureReason)
	}

	log.InfoS(tc.Context(), "Payment settled", "hash", res.Hash.String(),
		"amount", res.Amount.String(), "fee", res.Fee.String())

	return res, nil
}

// advancePayment runs a payment action and persists its delta.
func (r *NodeRuntime) advancePayment(tc *scheduler.TaskContext,
	action engine.Action) (*engine.PaymentResult, error) {

	delta, err := r.advance(tc, action)
	if err != nil {
		return nil, err
	}

	return resultAs[*engine.PaymentResult](action, delta)
}

// advance runs action on the engine and persists the resulting delta.
func (r *NodeRuntime) advance(tc *scheduler.TaskContext,
	action engine.Action) (*engine.Delta, error) {

	delta, err := scheduler.Await(tc, func(ctx context.Context) (
		*engine.Delta, error) {

		return r.engine.AdvanceChannelState(ctx, action)
	})
	if err != nil {
		return nil, fmt.Errorf("%s: %w", action.Name(), err)
	}

	if err := r.applyDelta(tc, delta); err != nil {
		return nil, err
	}

	return delta, nil
}

// resultAs returns the typed result of delta.
func resultAs[T engine.Result](action engine.Action,
	delta *engine.Delta) (T, error) {

	var zero T
	if delta == nil {
		return zero, fmt.Errorf("%w: %s returned no delta",
			ErrUnexpectedResult, action.Name())
	}

	res, ok := delta.Result.(T)
	if !ok {
		return zero, fmt.Errorf("%w: %s returned %T",
			ErrUnexpectedResult, action.Name(), delta.Result)
	}

	return res, nil
}

func (r *NodeRuntime) commitPayment(tc *scheduler.TaskContext,
	info *codec.PaymentInfo) error {

	return tc.Await(func(ctx context.Context) error {
		return r.guard.CommitAfter(ctx, paymentKey(info.Hash), info)
	})
}

// LookupPayment returns the recorded payment or invoice with hash.
func (r *NodeRuntime) LookupPayment(ctx context.Context,
	hash lntypes.Hash) (*codec.PaymentInfo, error) {

	rec, err := r.guard.Load(ctx, paymentKey(hash))
	switch {
	case errors.Is(err, store.ErrNotFound):
		return nil, fmt.Errorf("%w: %v", ErrUnknownPayment, hash)

	case err != nil:
		return nil, err
	}

	info, ok := rec.(*codec.PaymentInfo)
	if !ok {
		return nil, fmt.Errorf("%w: %v at %v", codec.ErrMalformed,
			rec.Kind(), paymentKey(hash))
	}

	return info, nil
}
