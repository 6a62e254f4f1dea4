package codec

import (
	"fmt"
	"io"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/lightningnetwork/lnd/tlv"
	"github.com/lightningnetwork/lnwasm/keychain"
	"github.com/lightningnetwork/lnwasm/lntypes"
)

// ChannelID identifies a channel. It is derived from the funding outpoint by
// the engine and treated as opaque here.
type ChannelID [32]byte

// String returns the channel id as a hex string.
func (c ChannelID) String() string {
	return fmt.Sprintf("%x", c[:])
}

// ChannelMonitor is the durable proof needed to claim on-chain funds if the
// peer broadcasts a revoked state.
type ChannelMonitor struct {
	// ChannelID is the channel this monitor covers.
	ChannelID ChannelID

	// FundingOutpoint is the outpoint of the funding transaction.
	FundingOutpoint wire.OutPoint

	// UpdateID increases with every monitor update.
	UpdateID uint64

	// CommitHeight is the latest commitment height known to the monitor.
	CommitHeight uint64

	// ClosedAtHeight is the block height the channel closure confirmed
	// at, if it did.
	ClosedAtHeight fn.Option[uint32]

	// Blob is the engine's serialized monitor.
	Blob []byte
}

// ChannelManager is the engine's channel manager state.
type ChannelManager struct {
	// BestBlockHash is the tip the manager was synced to.
	BestBlockHash chainhash.Hash

	// BestBlockHeight is the height of BestBlockHash.
	BestBlockHeight uint32

	// UpdateID increases with each persisted manager state.
	UpdateID uint64

	// Blob is the engine's serialized manager.
	Blob []byte
}

// WalletMeta tracks wallet level metadata.
type WalletMeta struct {
	// Network is the name of the chain the wallet runs on.
	Network string

	// BirthdayHeight is the height below which no wallet transactions
	// exist.
	BirthdayHeight uint32

	// SyncedHeight and SyncedHash are the last block the wallet synced.
	SyncedHeight uint32
	SyncedHash   chainhash.Hash
}

// KeyMaterial is a secret key sealed at rest. Sealing happens before
// encoding so that encoding stays deterministic.
type KeyMaterial struct {
	Family keychain.KeyFamily
	Index  uint32

	// PubKey is the compressed public key of the sealed secret.
	PubKey [33]byte

	// Sealed is the encrypted secret.
	Sealed []byte
}

// SpendEntry is one debit inside a budget window.
type SpendEntry struct {
	// At is the debit time in unix nanoseconds.
	At uint64

	// Amount is the debited amount.
	Amount lntypes.MilliSatoshi
}

// BudgetSnapshot is the persisted form of a requester's budget.
type BudgetSnapshot struct {
	RequesterKey [33]byte

	Ceiling lntypes.MilliSatoshi
	Window  time.Duration

	MaxRequests uint32
	RateWindow  time.Duration

	// Permissions is a bitmask over the operation set.
	Permissions uint32

	Revoked bool

	// ResetSchedule is a cron expression, empty for none.
	ResetSchedule string

	// Spends are the debits still counted by a window.
	Spends []SpendEntry

	// Settled is the amount of debits folded out of Spends since the last
	// reset. Only budgets without a spend window fold.
	Settled lntypes.MilliSatoshi
}

// PaymentStatus is the state of a payment's HTLCs.
type PaymentStatus uint8

const (
	// PaymentPending has not been sent yet.
	PaymentPending PaymentStatus = 0

	// PaymentInFlight has HTLCs outstanding.
	PaymentInFlight PaymentStatus = 1

	// PaymentSucceeded settled.
	PaymentSucceeded PaymentStatus = 2

	// PaymentFailed failed for good.
	PaymentFailed PaymentStatus = 3
)

// String returns a human readable payment status.
func (s PaymentStatus) String() string {
	switch s {
	case PaymentPending:
		return "pending"
	case PaymentInFlight:
		return "in_flight"
	case PaymentSucceeded:
		return "succeeded"
	case PaymentFailed:
		return "failed"
	default:
		return fmt.Sprintf("status(%d)", uint8(s))
	}
}

// IsFinal reports whether the status can no longer change.
func (s PaymentStatus) IsFinal() bool {
	return s == PaymentSucceeded || s == PaymentFailed
}

// PaymentInfo records a payment or invoice by payment hash.
type PaymentInfo struct {
	Hash    lntypes.Hash
	Status  PaymentStatus
	Amount  lntypes.MilliSatoshi
	Fee     lntypes.MilliSatoshi
	Inbound bool

	// Invoice is the encoded payment request, if any.
	Invoice string

	Preimage fn.Option[lntypes.Preimage]

	// CreatedAt and SettledAt are unix seconds.
	CreatedAt uint64
	SettledAt fn.Option[uint64]
}

const (
	monitorChanIDType       tlv.Type = 0
	monitorFundingType      tlv.Type = 2
	monitorUpdateIDType     tlv.Type = 4
	monitorCommitHeightType tlv.Type = 6
	monitorClosedAtType     tlv.Type = 7
	monitorBlobType         tlv.Type = 8

	managerBestHashType   tlv.Type = 0
	managerBestHeightType tlv.Type = 2
	managerUpdateIDType   tlv.Type = 4
	managerBlobType       tlv.Type = 6

	metaNetworkType      tlv.Type = 0
	metaBirthdayType     tlv.Type = 2
	metaSyncedHeightType tlv.Type = 4
	metaSyncedHashType   tlv.Type = 6

	keyFamilyType tlv.Type = 0
	keyIndexType  tlv.Type = 2
	keyPubType    tlv.Type = 4
	keySealedType tlv.Type = 6

	budgetKeyType         tlv.Type = 0
	budgetCeilingType     tlv.Type = 2
	budgetWindowType      tlv.Type = 4
	budgetMaxReqType      tlv.Type = 6
	budgetRateWindowType  tlv.Type = 8
	budgetPermissionsType tlv.Type = 10
	budgetRevokedType     tlv.Type = 12
	budgetScheduleType    tlv.Type = 13
	budgetSpendsType      tlv.Type = 14
	budgetSettledType     tlv.Type = 15

	paymentHashType     tlv.Type = 0
	paymentStatusType   tlv.Type = 2
	paymentAmountType   tlv.Type = 4
	paymentFeeType      tlv.Type = 6
	paymentInboundType  tlv.Type = 8
	paymentInvoiceType  tlv.Type = 9
	paymentPreimageType tlv.Type = 11
	paymentCreatedType  tlv.Type = 12
	paymentSettledType  tlv.Type = 13
)

// Kind returns KindChannelMonitor.
func (m *ChannelMonitor) Kind() Kind { return KindChannelMonitor }

func (m *ChannelMonitor) encodeTLV(w io.Writer) error {
	records := []tlv.Record{
		tlv.MakePrimitiveRecord(
			monitorChanIDType, (*[32]byte)(&m.ChannelID),
		),
		outPointRecord(monitorFundingType, &m.FundingOutpoint),
		tlv.MakePrimitiveRecord(monitorUpdateIDType, &m.UpdateID),
		tlv.MakePrimitiveRecord(
			monitorCommitHeightType, &m.CommitHeight,
		),
	}

	closedAt := m.ClosedAtHeight.UnwrapOr(0)
	if m.ClosedAtHeight.IsSome() {
		records = append(records, tlv.MakePrimitiveRecord(
			monitorClosedAtType, &closedAt,
		))
	}

	records = append(
		records, tlv.MakePrimitiveRecord(monitorBlobType, &m.Blob),
	)

	return encodeStream(w, records...)
}

func (m *ChannelMonitor) decodeTLV(r io.Reader) error {
	var closedAt uint32
	parsed, err := decodeStream(r, []tlv.Type{
		monitorChanIDType, monitorFundingType, monitorUpdateIDType,
		monitorCommitHeightType, monitorBlobType,
	},
		tlv.MakePrimitiveRecord(
			monitorChanIDType, (*[32]byte)(&m.ChannelID),
		),
		outPointRecord(monitorFundingType, &m.FundingOutpoint),
		tlv.MakePrimitiveRecord(monitorUpdateIDType, &m.UpdateID),
		tlv.MakePrimitiveRecord(
			monitorCommitHeightType, &m.CommitHeight,
		),
		tlv.MakePrimitiveRecord(monitorClosedAtType, &closedAt),
		tlv.MakePrimitiveRecord(monitorBlobType, &m.Blob),
	)
	if err != nil {
		return err
	}

	if _, ok := parsed[monitorClosedAtType]; ok {
		m.ClosedAtHeight = fn.Some(closedAt)
	}
	m.Blob = normalizeBytes(m.Blob)

	return nil
}

// Kind returns KindChannelManager.
func (m *ChannelManager) Kind() Kind { return KindChannelManager }

func (m *ChannelManager) records() []tlv.Record {
	return []tlv.Record{
		tlv.MakePrimitiveRecord(
			managerBestHashType, (*[32]byte)(&m.BestBlockHash),
		),
		tlv.MakePrimitiveRecord(
			managerBestHeightType, &m.BestBlockHeight,
		),
		tlv.MakePrimitiveRecord(managerUpdateIDType, &m.UpdateID),
		tlv.MakePrimitiveRecord(managerBlobType, &m.Blob),
	}
}

func (m *ChannelManager) encodeTLV(w io.Writer) error {
	return encodeStream(w, m.records()...)
}

func (m *ChannelManager) decodeTLV(r io.Reader) error {
	_, err := decodeStream(r, []tlv.Type{
		managerBestHashType, managerBestHeightType,
		managerUpdateIDType, managerBlobType,
	}, m.records()...)
	if err != nil {
		return err
	}

	m.Blob = normalizeBytes(m.Blob)

	return nil
}

// Kind returns KindWalletMeta.
func (m *WalletMeta) Kind() Kind { return KindWalletMeta }

func (m *WalletMeta) encodeTLV(w io.Writer) error {
	network := []byte(m.Network)

	return encodeStream(w,
		tlv.MakePrimitiveRecord(metaNetworkType, &network),
		tlv.MakePrimitiveRecord(metaBirthdayType, &m.BirthdayHeight),
		tlv.MakePrimitiveRecord(metaSyncedHeightType, &m.SyncedHeight),
		tlv.MakePrimitiveRecord(
			metaSyncedHashType, (*[32]byte)(&m.SyncedHash),
		),
	)
}

func (m *WalletMeta) decodeTLV(r io.Reader) error {
	var network []byte
	_, err := decodeStream(r, []tlv.Type{
		metaNetworkType, metaBirthdayType, metaSyncedHeightType,
		metaSyncedHashType,
	},
		tlv.MakePrimitiveRecord(metaNetworkType, &network),
		tlv.MakePrimitiveRecord(metaBirthdayType, &m.BirthdayHeight),
		tlv.MakePrimitiveRecord(metaSyncedHeightType, &m.SyncedHeight),
		tlv.MakePrimitiveRecord(
			metaSyncedHashType, (*[32]byte)(&m.SyncedHash),
		),
	)
	if err != nil {
		return err
	}

	m.Network = string(network)

	return nil
}

// Kind returns KindKeyMaterial.
func (k *KeyMaterial) Kind() Kind { return KindKeyMaterial }

func (k *KeyMaterial) encodeTLV(w io.Writer) error {
	family := uint32(k.Family)

	return encodeStream(w,
		tlv.MakePrimitiveRecord(keyFamilyType, &family),
		tlv.MakePrimitiveRecord(keyIndexType, &k.Index),
		tlv.MakePrimitiveRecord(keyPubType, &k.PubKey),
		tlv.MakePrimitiveRecord(keySealedType, &k.Sealed),
	)
}

func (k *KeyMaterial) decodeTLV(r io.Reader) error {
	var family uint32
	_, err := decodeStream(r, []tlv.Type{
		keyFamilyType, keyIndexType, keyPubType, keySealedType,
	},
		tlv.MakePrimitiveRecord(keyFamilyType, &family),
		tlv.MakePrimitiveRecord(keyIndexType, &k.Index),
		tlv.MakePrimitiveRecord(keyPubType, &k.PubKey),
		tlv.MakePrimitiveRecord(keySealedType, &k.Sealed),
	)
	if err != nil {
		return err
	}

	k.Family = keychain.KeyFamily(family)
	k.Sealed = normalizeBytes(k.Sealed)

	return nil
}

// Kind returns KindBudgetSnapshot.
func (b *BudgetSnapshot) Kind() Kind { return KindBudgetSnapshot }

func (b *BudgetSnapshot) encodeTLV(w io.Writer) error {
	var (
		ceiling    = uint64(b.Ceiling)
		window     = uint64(b.Window)
		rateWindow = uint64(b.RateWindow)
		schedule   = []byte(b.ResetSchedule)
		settled    = uint64(b.Settled)
	)

	records := []tlv.Record{
		tlv.MakePrimitiveRecord(budgetKeyType, &b.RequesterKey),
		tlv.MakePrimitiveRecord(budgetCeilingType, &ceiling),
		tlv.MakePrimitiveRecord(budgetWindowType, &window),
		tlv.MakePrimitiveRecord(budgetMaxReqType, &b.MaxRequests),
		tlv.MakePrimitiveRecord(budgetRateWindowType, &rateWindow),
		tlv.MakePrimitiveRecord(budgetPermissionsType, &b.Permissions),
		tlv.MakePrimitiveRecord(budgetRevokedType, &b.Revoked),
	}
	if len(schedule) > 0 {
		records = append(records, tlv.MakePrimitiveRecord(
			budgetScheduleType, &schedule,
		))
	}
	records = append(records, spendsRecord(budgetSpendsType, &b.Spends))
	if settled > 0 {
		records = append(records, tlv.MakePrimitiveRecord(
			budgetSettledType, &settled,
		))
	}

	return encodeStream(w, records...)
}

func (b *BudgetSnapshot) decodeTLV(r io.Reader) error {
	var ceiling, window, rateWindow, settled uint64
	var schedule []byte
	_, err := decodeStream(r, []tlv.Type{
		budgetKeyType, budgetCeilingType, budgetWindowType,
		budgetMaxReqType, budgetRateWindowType, budgetPermissionsType,
		budgetRevokedType, budgetSpendsType,
	},
		tlv.MakePrimitiveRecord(budgetKeyType, &b.RequesterKey),
		tlv.MakePrimitiveRecord(budgetCeilingType, &ceiling),
		tlv.MakePrimitiveRecord(budgetWindowType, &window),
		tlv.MakePrimitiveRecord(budgetMaxReqType, &b.MaxRequests),
		tlv.MakePrimitiveRecord(budgetRateWindowType, &rateWindow),
		tlv.MakePrimitiveRecord(budgetPermissionsType, &b.Permissions),
		tlv.MakePrimitiveRecord(budgetRevokedType, &b.Revoked),
		tlv.MakePrimitiveRecord(budgetScheduleType, &schedule),
		spendsRecord(budgetSpendsType, &b.Spends),
		tlv.MakePrimitiveRecord(budgetSettledType, &settled),
	)
	if err != nil {
		return err
	}

	b.Ceiling = lntypes.MilliSatoshi(ceiling)
	b.Settled = lntypes.MilliSatoshi(settled)
	b.Window = time.Duration(window)
	b.RateWindow = time.Duration(rateWindow)
	b.ResetSchedule = string(schedule)
	if len(b.Spends) == 0 {
		b.Spends = nil
	}

	return nil
}

// Kind returns KindPaymentInfo.
func (p *PaymentInfo) Kind() Kind { return KindPaymentInfo }

func (p *PaymentInfo) encodeTLV(w io.Writer) error {
	var (
		status  = uint8(p.Status)
		amount  = uint64(p.Amount)
		fee     = uint64(p.Fee)
		invoice = []byte(p.Invoice)
	)

	records := []tlv.Record{
		tlv.MakePrimitiveRecord(paymentHashType, (*[32]byte)(&p.Hash)),
		tlv.MakePrimitiveRecord(paymentStatusType, &status),
		tlv.MakePrimitiveRecord(paymentAmountType, &amount),
		tlv.MakePrimitiveRecord(paymentFeeType, &fee),
		tlv.MakePrimitiveRecord(paymentInboundType, &p.Inbound),
	}
	if len(invoice) > 0 {
		records = append(records, tlv.MakePrimitiveRecord(
			paymentInvoiceType, &invoice,
		))
	}

	preimage := [32]byte(p.Preimage.UnwrapOr(lntypes.Preimage{}))
	if p.Preimage.IsSome() {
		records = append(records, tlv.MakePrimitiveRecord(
			paymentPreimageType, &preimage,
		))
	}

	records = append(records, tlv.MakePrimitiveRecord(
		paymentCreatedType, &p.CreatedAt,
	))

	settled := p.SettledAt.UnwrapOr(0)
	if p.SettledAt.IsSome() {
		records = append(records, tlv.MakePrimitiveRecord(
			paymentSettledType, &settled,
		))
	}

	return encodeStream(w, records...)
}

func (p *PaymentInfo) decodeTLV(r io.Reader) error {
	var (
		status   uint8
		amount   uint64
		fee      uint64
		invoice  []byte
		preimage [32]byte
		settled  uint64
	)
	parsed, err := decodeStream(r, []tlv.Type{
		paymentHashType, paymentStatusType, paymentAmountType,
		paymentFeeType, paymentInboundType, paymentCreatedType,
	},
		tlv.MakePrimitiveRecord(paymentHashType, (*[32]byte)(&p.Hash)),
		tlv.MakePrimitiveRecord(paymentStatusType, &status),
		tlv.MakePrimitiveRecord(paymentAmountType, &amount),
		tlv.MakePrimitiveRecord(paymentFeeType, &fee),
		tlv.MakePrimitiveRecord(paymentInboundType, &p.Inbound),
		tlv.MakePrimitiveRecord(paymentInvoiceType, &invoice),
		tlv.MakePrimitiveRecord(paymentPreimageType, &preimage),
		tlv.MakePrimitiveRecord(paymentCreatedType, &p.CreatedAt),
		tlv.MakePrimitiveRecord(paymentSettledType, &settled),
	)
	if err != nil {
		return err
	}

	if status > uint8(PaymentFailed) {
		return fmt.Errorf("%w: payment status %d", ErrMalformed, status)
	}

	p.Status = PaymentStatus(status)
	p.Amount = lntypes.MilliSatoshi(amount)
	p.Fee = lntypes.MilliSatoshi(fee)
	p.Invoice = string(invoice)

	if _, ok := parsed[paymentPreimageType]; ok {
		p.Preimage = fn.Some(lntypes.Preimage(preimage))
	}
	if _, ok := parsed[paymentSettledType]; ok {
		p.SettledAt = fn.Some(settled)
	}

	return nil
}
