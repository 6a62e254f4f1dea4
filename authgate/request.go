package authgate

import (
	"encoding/hex"
	"strconv"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/lightningnetwork/lnwasm/lntypes"
	"github.com/tidwall/gjson"
)

// Method is one operation of the closed remote operation set.
type Method string

const (
	MethodPayInvoice    Method = "pay_invoice"
	MethodMakeInvoice   Method = "make_invoice"
	MethodGetBalance    Method = "get_balance"
	MethodLookupInvoice Method = "lookup_invoice"
	MethodSignMessage   Method = "sign_message"
)

// Methods returns every supported method.
func Methods() []Method {
	return []Method{
		MethodPayInvoice, MethodMakeInvoice, MethodGetBalance,
		MethodLookupInvoice, MethodSignMessage,
	}
}

// Permission returns the permission bit guarding m, zero for unknown
// methods.
func (m Method) Permission() Permission {
	switch m {
	case MethodPayInvoice:
		return PermPayInvoice
	case MethodMakeInvoice:
		return PermMakeInvoice
	case MethodGetBalance:
		return PermGetBalance
	case MethodLookupInvoice:
		return PermLookupInvoice
	case MethodSignMessage:
		return PermSignMessage
	default:
		return 0
	}
}

// Permission is a bitmask over the method set.
type Permission uint32

const (
	PermPayInvoice Permission = 1 << iota
	PermMakeInvoice
	PermGetBalance
	PermLookupInvoice
	PermSignMessage

	// PermAll grants every method.
	PermAll = PermPayInvoice | PermMakeInvoice | PermGetBalance |
		PermLookupInvoice | PermSignMessage
)

// Has reports whether every bit of other is set in p.
func (p Permission) Has(other Permission) bool {
	return other != 0 && p&other == other
}

// Request is a validated remote request.
type Request struct {
	// ID is the requester's correlation id.
	ID string

	RequesterKey *btcec.PublicKey
	Method       Method

	// Amount is zero when the payload carries none.
	Amount lntypes.MilliSatoshi

	// Params holds the method's string parameters.
	Params map[string]string

	Metadata map[string]string
}

// requiredParams lists the params each method needs.
var requiredParams = map[Method][]string{
	MethodPayInvoice:    {"invoice"},
	MethodLookupInvoice: {"payment_hash"},
	MethodSignMessage:   {"message"},
}

// ParseRequest validates a raw JSON payload of the form
//
//	{"id": "...", "requester_key": "<hex>", "method": "...",
//	 "amount_msat": 1000, "params": {...}, "metadata": {...}}
//
// Every violation is a RejectionError with ReasonMalformed.
func ParseRequest(raw []byte) (*Request, error) {
	if !gjson.ValidBytes(raw) {
		return nil, reject(ReasonMalformed, "invalid json")
	}

	root := gjson.ParseBytes(raw)
	if !root.IsObject() {
		return nil, reject(ReasonMalformed, "payload is not an object")
	}

	id := root.Get("id")
	if id.Type != gjson.String || id.Str == "" {
		return nil, reject(ReasonMalformed, "missing id")
	}

	key, err := parseRequesterKey(root.Get("requester_key"))
	if err != nil {
		return nil, err
	}

	method := root.Get("method")
	if method.Type != gjson.String {
		return nil, reject(ReasonMalformed, "missing method")
	}
	req := &Request{
		ID:           id.Str,
		RequesterKey: key,
		Method:       Method(method.Str),
	}
	if req.Method.Permission() == 0 {
		return nil, reject(ReasonMalformed, "unknown method %q",
			method.Str)
	}

	if amount := root.Get("amount_msat"); amount.Exists() {
		req.Amount, err = parseAmount(amount)
		if err != nil {
			return nil, err
		}
	}

	req.Params, err = parseStringMap(root.Get("params"), "params")
	if err != nil {
		return nil, err
	}
	req.Metadata, err = parseStringMap(root.Get("metadata"), "metadata")
	if err != nil {
		return nil, err
	}

	for _, name := range requiredParams[req.Method] {
		if req.Params[name] == "" {
			return nil, reject(ReasonMalformed, "%v needs params.%s",
				req.Method, name)
		}
	}

	switch req.Method {
	case MethodPayInvoice:
		if req.Amount == 0 {
			return nil, reject(ReasonMalformed, "%v needs a "+
				"positive amount_msat", req.Method)
		}

	case MethodLookupInvoice:
		if _, err := lntypes.MakeHashFromStr(
			req.Params["payment_hash"],
		); err != nil {
			return nil, reject(ReasonMalformed, "payment_hash: %v",
				err)
		}
	}

	return req, nil
}

func parseRequesterKey(res gjson.Result) (*btcec.PublicKey, error) {
	if res.Type != gjson.String {
		return nil, reject(ReasonMalformed, "missing requester_key")
	}

	raw, err := hex.DecodeString(res.Str)
	if err != nil || len(raw) != btcec.PubKeyBytesLenCompressed {
		return nil, reject(ReasonMalformed, "requester_key must be a "+
			"hex encoded compressed public key")
	}

	key, err := btcec.ParsePubKey(raw)
	if err != nil {
		return nil, reject(ReasonMalformed, "requester_key: %v", err)
	}

	return key, nil
}

// parseAmount accepts non-negative integral JSON numbers only.
func parseAmount(res gjson.Result) (lntypes.MilliSatoshi, error) {
	if res.Type != gjson.Number {
		return 0, reject(ReasonMalformed, "amount_msat is not a number")
	}

	amt, err := strconv.ParseUint(res.Raw, 10, 64)
	if err != nil {
		return 0, reject(ReasonMalformed, "amount_msat must be a "+
			"non-negative integer: %v", res.Raw)
	}

	return lntypes.MilliSatoshi(amt), nil
}

// parseStringMap reads an optional object whose values are all strings.
func parseStringMap(res gjson.Result, field string) (map[string]string,
	error) {

	if !res.Exists() || res.Type == gjson.Null {
		return nil, nil
	}
	if !res.IsObject() {
		return nil, reject(ReasonMalformed, "%s is not an object", field)
	}

	var (
		m      = make(map[string]string)
		badKey fn.Option[string]
	)
	res.ForEach(func(key, value gjson.Result) bool {
		if value.Type != gjson.String {
			badKey = fn.Some(key.String())
			return false
		}
		m[key.String()] = value.Str

		return true
	})
	if badKey.IsSome() {
		return nil, reject(ReasonMalformed, "%s.%s is not a string",
			field, badKey.UnwrapOr(""))
	}

	return m, nil
}
