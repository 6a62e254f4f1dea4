package engine

import (
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/lightningnetwork/lnwasm/codec"
	"github.com/lightningnetwork/lnwasm/lntypes"
)

// Action is a caller initiated engine operation. The set is closed: only the
// types of this package implement it.
type Action interface {
	// Name returns a short name for logs.
	Name() string

	isAction()
}

// SendPayment pays an encoded payment request.
type SendPayment struct {
	Invoice string

	// Amount is used for requests without an amount, zero otherwise.
	Amount lntypes.MilliSatoshi
}

// CreateInvoice creates a payment request.
type CreateInvoice struct {
	Amount      lntypes.MilliSatoshi
	Description string
	Expiry      time.Duration
}

// QueryBalance asks for the spendable balances.
type QueryBalance struct{}

// LookupInvoice asks for the state of a payment or invoice.
type LookupInvoice struct {
	Hash lntypes.Hash
}

// SignMessage signs a message with the node key.
type SignMessage struct {
	Message []byte
}

func (SendPayment) Name() string   { return "send_payment" }
func (CreateInvoice) Name() string { return "create_invoice" }
func (QueryBalance) Name() string  { return "query_balance" }
func (LookupInvoice) Name() string { return "lookup_invoice" }
func (SignMessage) Name() string   { return "sign_message" }

func (SendPayment) isAction()   {}
func (CreateInvoice) isAction() {}
func (QueryBalance) isAction()  {}
func (LookupInvoice) isAction() {}
func (SignMessage) isAction()   {}

// Result is the typed answer carried by a Delta.
type Result interface {
	isResult()
}

// PaymentResult is the outcome of SendPayment and LookupInvoice.
type PaymentResult struct {
	Hash   lntypes.Hash
	Status codec.PaymentStatus

	Amount lntypes.MilliSatoshi
	Fee    lntypes.MilliSatoshi

	Preimage fn.Option[lntypes.Preimage]

	// FailureReason explains a failed payment.
	FailureReason string
}

// InvoiceResult is the outcome of CreateInvoice.
type InvoiceResult struct {
	Hash    lntypes.Hash
	Invoice string
	Amount  lntypes.MilliSatoshi
}

// BalanceResult is the outcome of QueryBalance.
type BalanceResult struct {
	Lightning lntypes.MilliSatoshi
	Onchain   btcutil.Amount
}

// SignatureResult is the outcome of SignMessage.
type SignatureResult struct {
	// Signature is DER encoded.
	Signature []byte
}

func (*PaymentResult) isResult()   {}
func (*InvoiceResult) isResult()   {}
func (*BalanceResult) isResult()   {}
func (*SignatureResult) isResult() {}
