package lnwasm

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/lightningnetwork/lnwasm/authgate"
	"github.com/lightningnetwork/lnwasm/codec"
	"github.com/lightningnetwork/lnwasm/engine"
	"github.com/lightningnetwork/lnwasm/keychain"
	"github.com/lightningnetwork/lnwasm/lntypes"
	"github.com/lightningnetwork/lnwasm/scheduler"
	"github.com/lightningnetwork/lnwasm/subscribe"
	"github.com/tidwall/gjson"
)

const (
	// StatusAdmitted is the response status of an admitted request.
	StatusAdmitted = "admitted"

	// StatusRejected is the response status of a rejected request.
	StatusRejected = "rejected"

	// ReasonUnavailable rejects admitted requests the scheduler would not
	// take. Their debit is refunded.
	ReasonUnavailable = "unavailable"

	// OutcomeOK and OutcomeError are the completion outcomes.
	OutcomeOK    = "ok"
	OutcomeError = "error"
)

// nodeKeyLoc is the node identity key sign_message signs with.
var nodeKeyLoc = keychain.KeyLocator{
	Family: keychain.KeyFamilyNode,
	Index:  0,
}

// Response is the immediate answer to a remote request.
type Response struct {
	ID     string `json:"id"`
	Status string `json:"status"`
	Reason string `json:"reason,omitempty"`
	TaskID string `json:"task_id,omitempty"`
}

// Completion is published to subscribers when an admitted request finishes.
type Completion struct {
	RequestID string          `json:"request_id"`
	TaskID    string          `json:"task_id"`
	Outcome   string          `json:"outcome"`
	Result    json.RawMessage `json:"result,omitempty"`
	Error     string          `json:"error,omitempty"`
}

type paymentResponse struct {
	PaymentHash string `json:"payment_hash"`
	Status      string `json:"status"`
	AmountMsat  uint64 `json:"amount_msat"`
	FeeMsat     uint64 `json:"fee_msat"`
	Preimage    string `json:"preimage,omitempty"`
	Inbound     bool   `json:"inbound,omitempty"`
	Invoice     string `json:"invoice,omitempty"`
	SettledAt   uint64 `json:"settled_at,omitempty"`
}

type invoiceResponse struct {
	PaymentHash string `json:"payment_hash"`
	Invoice     string `json:"invoice"`
	AmountMsat  uint64 `json:"amount_msat"`
}

type balanceResponse struct {
	LightningMsat uint64 `json:"lightning_msat"`
	OnchainSat    int64  `json:"onchain_sat"`
}

type signatureResponse struct {
	Signature string `json:"signature"`
}

func preimageString(p fn.Option[lntypes.Preimage]) string {
	return fn.MapOptionZ(p, func(p lntypes.Preimage) string {
		return p.String()
	})
}

// HandleRemoteRequest validates raw against the requester's budget and, if
// admitted, runs it as a remote priority task. The outcome is published to
// completion subscribers.
func (r *NodeRuntime) HandleRemoteRequest(ctx context.Context,
	raw []byte) Response {

	req, err := authgate.ParseRequest(raw)
	if err != nil {
		return rejected(gjson.GetBytes(raw, "id").String(), err)
	}

	if !r.started.Load() || r.stopped.Load() {
		return Response{
			ID:     req.ID,
			Status: StatusRejected,
			Reason: ReasonUnavailable,
		}
	}

	admission, err := r.gate.Admit(req)
	if err != nil {
		return rejected(req.ID, err)
	}

	r.callbacks.Add(1)
	h, err := scheduler.SubmitOneShot(r.sched, admission.Task)
	if err != nil {
		r.callbacks.Done()
		log.WarnS(ctx, "Unable to schedule admitted request", err,
			"id", req.ID, "method", string(req.Method))

		r.refund(admission)

		return Response{
			ID:     req.ID,
			Status: StatusRejected,
			Reason: ReasonUnavailable,
		}
	}

	log.DebugS(ctx, "Request admitted", "id", req.ID,
		"method", string(req.Method), "task", h.ID.String(),
		"debited", admission.Debited.String())

	h.OnComplete(context.Background(), func(res fn.Result[[]byte]) {
		defer r.callbacks.Done()

		r.complete(admission, h.ID, res)
	})

	return Response{
		ID:     req.ID,
		Status: StatusAdmitted,
		TaskID: h.ID.String(),
	}
}

func rejected(id string, err error) Response {
	reason := authgate.ReasonMalformed
	if r, ok := authgate.RejectionReason(err); ok {
		reason = r
	}

	return Response{
		ID:     id,
		Status: StatusRejected,
		Reason: reason.String(),
	}
}

// SubscribeCompletions returns a client receiving every Completion.
func (r *NodeRuntime) SubscribeCompletions() (*subscribe.Client[Completion],
	error) {

	return r.completions.Subscribe()
}

// complete refunds failed payments that never left the node and publishes
// the outcome.
func (r *NodeRuntime) complete(admission *authgate.Admission,
	id scheduler.TaskID, res fn.Result[[]byte]) {

	c := Completion{
		RequestID: admission.Request.ID,
		TaskID:    id.String(),
		Outcome:   OutcomeOK,
	}

	result, err := res.Unpack()
	if err != nil {
		c.Outcome = OutcomeError
		c.Error = err.Error()

		if refundable(err) {
			r.refund(admission)
		}
	} else {
		c.Result = result
	}

	if err := r.completions.SendUpdate(c); err != nil {
		log.Debugf("Completion of request %v dropped: %v", c.RequestID,
			err)
	}
}

// refundable reports whether err proves no funds left the node.
func refundable(err error) bool {
	return errors.Is(err, ErrRoutingFailed) ||
		errors.Is(err, ErrChannelHalted) ||
		errors.Is(err, ErrChainSync)
}

func (r *NodeRuntime) refund(admission *authgate.Admission) {
	if admission.Debited == 0 {
		return
	}

	err := r.gate.Refund(admission.Request.RequesterKey, admission.Debited)
	if err != nil {
		log.Warnf("Unable to refund %v to request %v: %v",
			admission.Debited, admission.Request.ID, err)
	}
}

// remoteFactories returns the task of every remote method.
func (r *NodeRuntime) remoteFactories() map[authgate.Method]authgate.TaskFactory {
	return map[authgate.Method]authgate.TaskFactory{
		authgate.MethodPayInvoice:    r.payInvoiceTask,
		authgate.MethodMakeInvoice:   r.makeInvoiceTask,
		authgate.MethodGetBalance:    r.getBalanceTask,
		authgate.MethodLookupInvoice: r.lookupInvoiceTask,
		authgate.MethodSignMessage:   r.signMessageTask,
	}
}

func (r *NodeRuntime) payInvoiceTask(
	req *authgate.Request) func(*scheduler.TaskContext) ([]byte, error) {

	return func(tc *scheduler.TaskContext) ([]byte, error) {
		res, err := r.pay(tc, req.Params["invoice"], req.Amount)
		if err != nil {
			return nil, err
		}

		return json.Marshal(paymentResponse{
			PaymentHash: res.Hash.String(),
			Status:      res.Status.String(),
			AmountMsat:  uint64(res.Amount),
			FeeMsat:     uint64(res.Fee),
			Preimage:    preimageString(res.Preimage),
		})
	}
}

func (r *NodeRuntime) makeInvoiceTask(
	req *authgate.Request) func(*scheduler.TaskContext) ([]byte, error) {

	return func(tc *scheduler.TaskContext) ([]byte, error) {
		action := engine.CreateInvoice{
			Amount:      req.Amount,
			Description: req.Params["description"],
		}
		if expiry, ok := req.Params["expiry"]; ok {
			secs, err := strconv.ParseUint(expiry, 10, 32)
			if err != nil {
				return nil, err
			}
			action.Expiry = time.Duration(secs) * time.Second
		}

		delta, err := r.advance(tc, action)
		if err != nil {
			return nil, err
		}
		res, err := resultAs[*engine.InvoiceResult](action, delta)
		if err != nil {
			return nil, err
		}

		err = r.commitPayment(tc, &codec.PaymentInfo{
			Hash:      res.Hash,
			Status:    codec.PaymentPending,
			Amount:    res.Amount,
			Inbound:   true,
			Invoice:   res.Invoice,
			CreatedAt: uint64(r.clock.Now().Unix()),
		})
		if err != nil {
			return nil, err
		}

		return json.Marshal(invoiceResponse{
			PaymentHash: res.Hash.String(),
			Invoice:     res.Invoice,
			AmountMsat:  uint64(res.Amount),
		})
	}
}

func (r *NodeRuntime) getBalanceTask(
	_ *authgate.Request) func(*scheduler.TaskContext) ([]byte, error) {

	return func(tc *scheduler.TaskContext) ([]byte, error) {
		action := engine.QueryBalance{}
		delta, err := r.advance(tc, action)
		if err != nil {
			return nil, err
		}
		res, err := resultAs[*engine.BalanceResult](action, delta)
		if err != nil {
			return nil, err
		}

		return json.Marshal(balanceResponse{
			LightningMsat: uint64(res.Lightning),
			OnchainSat:    int64(res.Onchain),
		})
	}
}

func (r *NodeRuntime) lookupInvoiceTask(
	req *authgate.Request) func(*scheduler.TaskContext) ([]byte, error) {

	return func(tc *scheduler.TaskContext) ([]byte, error) {
		hash, err := lntypes.MakeHashFromStr(req.Params["payment_hash"])
		if err != nil {
			return nil, err
		}

		info, err := scheduler.Await(tc, func(ctx context.Context) (
			*codec.PaymentInfo, error) {

			return r.LookupPayment(ctx, hash)
		})
		if err != nil {
			return nil, err
		}

		return json.Marshal(paymentResponse{
			PaymentHash: info.Hash.String(),
			Status:      info.Status.String(),
			AmountMsat:  uint64(info.Amount),
			FeeMsat:     uint64(info.Fee),
			Preimage:    preimageString(info.Preimage),
			Inbound:     info.Inbound,
			Invoice:     info.Invoice,
			SettledAt:   info.SettledAt.UnwrapOr(0),
		})
	}
}

func (r *NodeRuntime) signMessageTask(
	req *authgate.Request) func(*scheduler.TaskContext) ([]byte, error) {

	return func(tc *scheduler.TaskContext) ([]byte, error) {
		msg := []byte(req.Params["message"])

		var sig []byte
		if r.keyRing != nil {
			s, err := r.keyRing.SignMessage(nodeKeyLoc, msg, true)
			if err != nil {
				return nil, err
			}
			sig = s.Serialize()
		} else {
			action := engine.SignMessage{Message: msg}
			delta, err := r.advance(tc, action)
			if err != nil {
				return nil, err
			}
			res, err := resultAs[*engine.SignatureResult](
				action, delta,
			)
			if err != nil {
				return nil, err
			}
			sig = res.Signature
		}

		return json.Marshal(signatureResponse{
			Signature: hex.EncodeToString(sig),
		})
	}
}
