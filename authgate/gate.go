package authgate

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/lightningnetwork/lnd/clock"
	"github.com/lightningnetwork/lnwasm/codec"
	"github.com/lightningnetwork/lnwasm/lntypes"
	"github.com/lightningnetwork/lnwasm/lnutils"
	"github.com/lightningnetwork/lnwasm/monitoring"
	"github.com/lightningnetwork/lnwasm/scheduler"
	"github.com/robfig/cron/v3"
	"golang.org/x/time/rate"
)

// DefaultTaskTimeout is the deadline of admitted tasks.
const DefaultTaskTimeout = time.Minute

// TaskFactory builds the handler of an admitted request. The handler's value
// is the JSON encoded result delivered to the requester.
type TaskFactory func(req *Request) func(tc *scheduler.TaskContext) ([]byte,
	error)

// Config holds the gate's parameters.
type Config struct {
	// Clock drives the sliding windows, reset schedules and the global
	// rate limiter.
	Clock clock.Clock

	// GlobalRate and GlobalBurst bound admissions across all requesters.
	// A zero rate disables the global limit.
	GlobalRate  rate.Limit
	GlobalBurst int

	// TaskTimeout is the deadline of admitted tasks.
	TaskTimeout time.Duration

	// Factories maps each supported method to its task.
	Factories map[Method]TaskFactory

	// OnChange, if set, receives a snapshot after every budget mutation.
	// It is called with the gate's lock held, so snapshots of one budget
	// arrive in mutation order. It must not block or call into the gate.
	OnChange func(*codec.BudgetSnapshot)

	// Metrics is optional.
	Metrics *monitoring.Metrics
}

// Admission is the outcome of an admitted request.
type Admission struct {
	Request *Request

	// Debited is the amount taken from the requester's budget.
	Debited lntypes.MilliSatoshi

	// Task is ready for scheduler.SubmitOneShot.
	Task scheduler.OneShot[[]byte]
}

// Gate validates remote requests against per-requester budgets and admits
// them as scheduler tasks. Admission and debit happen atomically under one
// lock.
type Gate struct {
	cfg Config

	mu      sync.Mutex
	budgets map[requesterKey]*budgetState
	global  *rate.Limiter

	cron    *cron.Cron
	entries map[requesterKey]cron.EntryID
}

// New creates a gate.
func New(cfg Config) *Gate {
	if cfg.Clock == nil {
		cfg.Clock = clock.NewDefaultClock()
	}
	if cfg.TaskTimeout <= 0 {
		cfg.TaskTimeout = DefaultTaskTimeout
	}

	limit := cfg.GlobalRate
	if limit <= 0 {
		limit = rate.Inf
	}
	burst := cfg.GlobalBurst
	if burst <= 0 {
		burst = 1
	}

	return &Gate{
		cfg:     cfg,
		budgets: make(map[requesterKey]*budgetState),
		global:  rate.NewLimiter(limit, burst),
		cron:    cron.New(),
		entries: make(map[requesterKey]cron.EntryID),
	}
}

// Start runs the reset schedules in the background.
func (g *Gate) Start() error {
	g.cron.Start()

	g.mu.Lock()
	n := len(g.budgets)
	g.mu.Unlock()

	log.Infof("Authorization gate started with %d budgets", n)

	return nil
}

// Stop stops the reset schedules and waits for a running reset.
func (g *Gate) Stop() error {
	<-g.cron.Stop().Done()

	log.Info("Authorization gate stopped")

	return nil
}

// Register installs or updates the budget of its requester. Updating keeps
// the debit log and a revocation in place.
func (g *Gate) Register(b Budget) error {
	if err := b.Validate(); err != nil {
		return err
	}
	sched, err := parseSchedule(b.ResetSchedule)
	if err != nil {
		return err
	}

	g.mu.Lock()
	now := g.cfg.Clock.Now()
	key := keyOf(b.RequesterKey)
	state, ok := g.budgets[key]
	if !ok {
		state = &budgetState{key: key}
		g.budgets[key] = state
	}
	state.setLimits(b, sched, now)
	g.scheduleLocked(key, sched)
	g.notifyLocked(state)
	g.mu.Unlock()

	log.DebugS(context.Background(), "Budget registered",
		lnutils.LogPubKey("requester", b.RequesterKey),
		"ceiling", b.Ceiling,
		"permissions", fmt.Sprintf("%#x", uint32(b.Permissions)))

	return nil
}

// Restore reinstates a persisted budget, replacing any live one.
func (g *Gate) Restore(snap *codec.BudgetSnapshot) error {
	pub, err := btcec.ParsePubKey(snap.RequesterKey[:])
	if err != nil {
		return fmt.Errorf("%w: requester key: %v", ErrInvalidBudget, err)
	}

	limits := Budget{
		RequesterKey:  pub,
		Ceiling:       snap.Ceiling,
		Window:        snap.Window,
		MaxRequests:   snap.MaxRequests,
		RateWindow:    snap.RateWindow,
		Permissions:   Permission(snap.Permissions),
		ResetSchedule: snap.ResetSchedule,
	}
	if err := limits.Validate(); err != nil {
		return err
	}
	sched, err := parseSchedule(limits.ResetSchedule)
	if err != nil {
		return err
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	state := &budgetState{
		key:     snap.RequesterKey,
		revoked: snap.Revoked,
		spends:  append([]codec.SpendEntry(nil), snap.Spends...),
		settled: snap.Settled,
	}
	state.setLimits(limits, sched, g.cfg.Clock.Now())
	g.budgets[state.key] = state
	g.scheduleLocked(state.key, sched)

	return nil
}

// scheduleLocked replaces the cron entry of key.
func (g *Gate) scheduleLocked(key requesterKey, sched cron.Schedule) {
	if id, ok := g.entries[key]; ok {
		g.cron.Remove(id)
		delete(g.entries, key)
	}
	if sched == nil {
		return
	}

	g.entries[key] = g.cron.Schedule(sched, cron.FuncJob(func() {
		g.applyResets()
	}))
}

// applyResets clears every budget whose reset schedule fired.
func (g *Gate) applyResets() {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.cfg.Clock.Now()
	for _, state := range g.budgets {
		if state.maybeReset(now) {
			log.Debugf("Budget %x reset by schedule", state.key[:])
			g.notifyLocked(state)
		}
	}
}

// Admit checks req against its requester's budget and either debits it and
// returns the admission or returns a RejectionError. Nothing is debited on
// rejection.
func (g *Gate) Admit(req *Request) (*Admission, error) {
	admission, err := g.admit(req)
	if err != nil {
		reason, _ := RejectionReason(err)
		g.cfg.Metrics.ObserveAdmission(reason.String())

		log.DebugS(context.Background(), "Request rejected",
			"id", requestID(req),
			"reason", reason.String(),
			"err", err)

		return nil, err
	}

	g.cfg.Metrics.ObserveAdmission("admitted")

	log.DebugS(context.Background(), "Request admitted",
		"id", req.ID,
		"method", string(req.Method),
		"debited", admission.Debited)

	return admission, nil
}

func requestID(req *Request) string {
	if req == nil {
		return ""
	}

	return req.ID
}

func (g *Gate) admit(req *Request) (*Admission, error) {
	if req == nil || req.RequesterKey == nil {
		return nil, reject(ReasonMalformed, "empty request")
	}
	perm := req.Method.Permission()
	if perm == 0 {
		return nil, reject(ReasonMalformed, "unknown method %q",
			req.Method)
	}

	factory, ok := g.cfg.Factories[req.Method]
	if !ok {
		return nil, reject(ReasonUnauthorized, "method %v is not "+
			"served", req.Method)
	}

	// Only payments spend from the budget.
	var amount lntypes.MilliSatoshi
	if req.Method == MethodPayInvoice {
		amount = req.Amount
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.cfg.Clock.Now()
	state, ok := g.budgets[keyOf(req.RequesterKey)]
	switch {
	case !ok:
		return nil, reject(ReasonUnauthorized, "unknown "+
			"requester")

	case state.revoked:
		return nil, reject(ReasonRevoked, "budget revoked")

	case !state.limits.Permissions.Has(perm):
		return nil, reject(ReasonUnauthorized, "%v not permitted",
			req.Method)
	}

	state.maybeReset(now)
	state.prune(now)

	if state.rateExhausted(now) {
		return nil, reject(ReasonRateExceeded, "more than %d "+
			"requests within %v", state.limits.MaxRequests,
			state.limits.RateWindow)
	}
	if remaining := state.remaining(now); amount > remaining {
		return nil, reject(ReasonBudgetExceeded, "amount %v "+
			"exceeds remaining %v", amount, remaining)
	}

	// The global limiter is consulted last so a request rejected by its
	// own budget does not consume a global token.
	if !g.global.AllowN(now, 1) {
		return nil, reject(ReasonRateExceeded, "global request "+
			"rate exceeded")
	}

	state.debit(amount, now)

	admission := &Admission{
		Request: req,
		Debited: amount,
		Task: scheduler.OneShot[[]byte]{
			Name:     "remote-" + string(req.Method),
			Priority: scheduler.PriorityRemote,
			Timeout:  g.cfg.TaskTimeout,
			Handler:  factory(req),
		},
	}

	g.notifyLocked(state)

	return admission, nil
}

func (g *Gate) withBudget(pub *btcec.PublicKey,
	f func(state *budgetState, now time.Time)) error {

	g.mu.Lock()
	state, ok := g.budgets[keyOf(pub)]
	if !ok {
		g.mu.Unlock()
		return ErrUnknownRequester
	}
	f(state, g.cfg.Clock.Now())
	g.notifyLocked(state)
	g.mu.Unlock()

	return nil
}

// Resync hands the current snapshot of pub's budget to OnChange again, used
// to retry a snapshot that could not be persisted.
func (g *Gate) Resync(pub *btcec.PublicKey) error {
	return g.withBudget(pub, func(*budgetState, time.Time) {})
}

// Revoke permanently rejects further requests from pub.
func (g *Gate) Revoke(pub *btcec.PublicKey) error {
	log.Infof("Revoking budget of %x", pub.SerializeCompressed())

	return g.withBudget(pub, func(state *budgetState, _ time.Time) {
		state.revoked = true
	})
}

// ResetBudget clears the debit log of pub.
func (g *Gate) ResetBudget(pub *btcec.PublicKey) error {
	return g.withBudget(pub, func(state *budgetState, now time.Time) {
		state.reset(now)
	})
}

// Refund returns amt to pub's allowance, used when a debited payment failed.
func (g *Gate) Refund(pub *btcec.PublicKey, amt lntypes.MilliSatoshi) error {
	return g.withBudget(pub, func(state *budgetState, _ time.Time) {
		state.refund(amt)
	})
}

// Remaining returns the amount pub can still spend in its current window.
func (g *Gate) Remaining(pub *btcec.PublicKey) (lntypes.MilliSatoshi, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	state, ok := g.budgets[keyOf(pub)]
	if !ok {
		return 0, ErrUnknownRequester
	}

	now := g.cfg.Clock.Now()
	state.maybeReset(now)

	return state.remaining(now), nil
}

// Snapshot returns the persistable form of pub's budget.
func (g *Gate) Snapshot(pub *btcec.PublicKey) (*codec.BudgetSnapshot, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	state, ok := g.budgets[keyOf(pub)]
	if !ok {
		return nil, ErrUnknownRequester
	}

	return state.snapshot(), nil
}

// notifyLocked hands state's snapshot to OnChange. The caller must hold mu.
func (g *Gate) notifyLocked(state *budgetState) {
	if g.cfg.OnChange != nil {
		g.cfg.OnChange(state.snapshot())
	}
}
