package icrypto

import "github.com/autoposter/console/internal/util"

const namespaceKeyInfo = "autoposter:credential-key:v1"

// DeriveNamespaceKey derives the record key for one credential namespace
// from the master key.
func DeriveNamespaceKey(master []byte, namespace string) ([]byte, error) {
	return util.DeriveKey(master, []byte(namespace), namespaceKeyInfo)
}
