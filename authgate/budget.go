package authgate

import (
	"fmt"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/lightningnetwork/lnwasm/codec"
	"github.com/lightningnetwork/lnwasm/lntypes"
	"github.com/robfig/cron/v3"
)

// Budget is the allowance granted to one requester.
type Budget struct {
	RequesterKey *btcec.PublicKey

	// Ceiling bounds the amount debited within Window. A zero Window
	// means debits never expire until the budget is reset.
	Ceiling lntypes.MilliSatoshi
	Window  time.Duration

	// MaxRequests bounds the admissions within RateWindow, zero disables
	// the per-requester rate limit.
	MaxRequests uint32
	RateWindow  time.Duration

	Permissions Permission

	// ResetSchedule is an optional standard cron expression that clears
	// the debit log.
	ResetSchedule string
}

// Validate checks the budget's limits and reset schedule.
func (b *Budget) Validate() error {
	if _, err := parseSchedule(b.ResetSchedule); err != nil {
		return err
	}

	switch {
	case b.RequesterKey == nil:
		return fmt.Errorf("%w: missing requester key", ErrInvalidBudget)

	case b.Window < 0 || b.RateWindow < 0:
		return fmt.Errorf("%w: negative window", ErrInvalidBudget)

	case b.MaxRequests > 0 && b.RateWindow == 0:
		return fmt.Errorf("%w: max requests without a rate window",
			ErrInvalidBudget)

	case b.Permissions&^PermAll != 0:
		return fmt.Errorf("%w: unknown permission bits %#x",
			ErrInvalidBudget, uint32(b.Permissions&^PermAll))
	}

	return nil
}

type requesterKey [btcec.PubKeyBytesLenCompressed]byte

func keyOf(pub *btcec.PublicKey) requesterKey {
	var k requesterKey
	copy(k[:], pub.SerializeCompressed())

	return k
}

// budgetState is the gate's live view of a Budget.
type budgetState struct {
	key     requesterKey
	limits  Budget
	revoked bool

	schedule  cron.Schedule
	nextReset fn.Option[time.Time]

	// spends logs every admission in time order, zero amounts included,
	// so it serves both windows.
	spends []codec.SpendEntry

	// settled sums the debits pruned from spends since the last reset
	// while there is no spend window. They never expire, so they keep
	// counting against the ceiling.
	settled lntypes.MilliSatoshi
}

func parseSchedule(expr string) (cron.Schedule, error) {
	if expr == "" {
		return nil, nil
	}

	sched, err := cron.ParseStandard(expr)
	if err != nil {
		return nil, fmt.Errorf("%w: reset schedule %q: %v",
			ErrInvalidBudget, expr, err)
	}

	return sched, nil
}

// setLimits applies new limits, keeping the debit log and revocation.
func (b *budgetState) setLimits(limits Budget, sched cron.Schedule,
	now time.Time) {

	b.limits = limits
	b.schedule = sched
	b.nextReset = fn.None[time.Time]()
	if sched != nil {
		b.nextReset = fn.Some(sched.Next(now))
	}
}

// maybeReset clears the log if the reset schedule fired. It reports whether
// it did.
func (b *budgetState) maybeReset(now time.Time) bool {
	due := b.nextReset.UnwrapOr(time.Time{})
	if b.nextReset.IsNone() || now.Before(due) {
		return false
	}

	b.spends = nil
	b.settled = 0
	b.nextReset = fn.Some(b.schedule.Next(now))

	return true
}

func (b *budgetState) reset(now time.Time) {
	b.spends = nil
	b.settled = 0
	if b.schedule != nil {
		b.nextReset = fn.Some(b.schedule.Next(now))
	}
}

// inWindow reports whether an entry at is still inside a sliding window of
// length w ending at now. A zero window never expires entries.
func inWindow(at uint64, w time.Duration, now time.Time) bool {
	if w == 0 {
		return true
	}

	return now.Sub(time.Unix(0, int64(at))) < w
}

// prune drops entries that no window counts anymore. Without a spend window
// only the request window needs entries, and the amounts of the dropped ones
// move to settled.
func (b *budgetState) prune(now time.Time) {
	var keep time.Duration
	if b.limits.MaxRequests > 0 {
		keep = b.limits.RateWindow
	}

	fold := b.limits.Window == 0
	if !fold {
		keep = max(keep, b.limits.Window)
	}

	i := 0
	for i < len(b.spends) {
		expired := !inWindow(b.spends[i].At, keep, now)
		if keep == 0 {
			expired = fold
		}
		if !expired {
			break
		}

		if fold {
			b.settled += b.spends[i].Amount
		}
		i++
	}
	if i > 0 {
		b.spends = append([]codec.SpendEntry(nil), b.spends[i:]...)
	}
}

func (b *budgetState) spent(now time.Time) lntypes.MilliSatoshi {
	total := b.settled
	for _, s := range b.spends {
		if inWindow(s.At, b.limits.Window, now) {
			total += s.Amount
		}
	}

	return total
}

func (b *budgetState) remaining(now time.Time) lntypes.MilliSatoshi {
	spent := b.spent(now)
	if spent >= b.limits.Ceiling {
		return 0
	}

	return b.limits.Ceiling - spent
}

// rateExhausted reports whether another admission would exceed the
// requester's request window.
func (b *budgetState) rateExhausted(now time.Time) bool {
	if b.limits.MaxRequests == 0 {
		return false
	}

	var n uint32
	for _, s := range b.spends {
		if inWindow(s.At, b.limits.RateWindow, now) {
			n++
		}
	}

	return n >= b.limits.MaxRequests
}

func (b *budgetState) debit(amt lntypes.MilliSatoshi, now time.Time) {
	b.spends = append(b.spends, codec.SpendEntry{
		At:     uint64(now.UnixNano()),
		Amount: amt,
	})
}

// refund returns amt to the allowance, newest debits first. The entries
// stay in the log and keep counting against the request window.
func (b *budgetState) refund(amt lntypes.MilliSatoshi) {
	for i := len(b.spends) - 1; i >= 0 && amt > 0; i-- {
		take := b.spends[i].Amount
		if take > amt {
			take = amt
		}
		b.spends[i].Amount -= take
		amt -= take
	}

	b.settled -= min(b.settled, amt)
}

func (b *budgetState) snapshot() *codec.BudgetSnapshot {
	snap := &codec.BudgetSnapshot{
		RequesterKey:  b.key,
		Ceiling:       b.limits.Ceiling,
		Window:        b.limits.Window,
		MaxRequests:   b.limits.MaxRequests,
		RateWindow:    b.limits.RateWindow,
		Permissions:   uint32(b.limits.Permissions),
		Revoked:       b.revoked,
		ResetSchedule: b.limits.ResetSchedule,
		Settled:       b.settled,
	}
	if len(b.spends) > 0 {
		snap.Spends = append([]codec.SpendEntry(nil), b.spends...)
	}

	return snap
}
