package store

import "fmt"

// Namespace is a logical partition of the store. Each namespace is backed by
// its own top-level bucket.
type Namespace string

const (
	// NamespaceChannelMonitor holds channel monitor records.
	NamespaceChannelMonitor Namespace = "channel-monitor"

	// NamespaceChannelManager holds the channel manager state.
	NamespaceChannelManager Namespace = "channel-manager"

	// NamespaceWalletMeta holds wallet metadata such as sync progress.
	NamespaceWalletMeta Namespace = "wallet-meta"

	// NamespaceKeyMaterial holds sealed keys at rest.
	NamespaceKeyMaterial Namespace = "key-material"

	// NamespaceAuthBudget holds remote authorization budgets.
	NamespaceAuthBudget Namespace = "auth-budget"

	// NamespacePaymentInfo holds payment records keyed by payment hash.
	NamespacePaymentInfo Namespace = "payment-info"
)

// maxKeyLen bounds record keys, bolt allows up to 32KiB but no record key in
// this system comes close.
const maxKeyLen = 512

// Namespaces returns every namespace known to this build.
func Namespaces() []Namespace {
	return []Namespace{
		NamespaceChannelMonitor,
		NamespaceChannelManager,
		NamespaceWalletMeta,
		NamespaceKeyMaterial,
		NamespaceAuthBudget,
		NamespacePaymentInfo,
	}
}

// bucketKey returns the top-level bucket key of the namespace.
func (n Namespace) bucketKey() []byte {
	return []byte(n)
}

func validateKey(ns Namespace, key string) error {
	switch {
	case ns == "":
		return fmt.Errorf("%w: empty namespace", ErrUnknownNamespace)

	case len(key) == 0:
		return fmt.Errorf("%w: empty key", ErrInvalidKey)

	case len(key) > maxKeyLen:
		return fmt.Errorf("%w: key of %d bytes exceeds %d",
			ErrInvalidKey, len(key), maxKeyLen)
	}

	return nil
}
