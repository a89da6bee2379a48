package icrypto

import (
	"encoding/binary"
)

const (
	aadCredential = "CREDENTIAL"
	aadCheck      = "KEYCHECK"
)

// AADCredential binds a sealed credential to its storage address so an
// envelope copied under another key fails to open.
func AADCredential(namespace, kind, id string, ver int) []byte {
	return buildAAD(aadCredential, namespace, kind, id, ver)
}

// AADKeyCheck binds the passphrase verifier record to its namespace.
func AADKeyCheck(namespace string, ver int) []byte {
	return buildAAD(aadCheck, namespace, ver)
}

func buildAAD(parts ...any) []byte {
	var res []byte
	for _, p := range parts {
		switch v := p.(type) {
		case string:
			res = appendLenPrefix(res, []byte(v))
		case []byte:
			res = appendLenPrefix(res, v)
		case uint64:
			res = binary.BigEndian.AppendUint64(res, v)
		case int:
			res = binary.BigEndian.AppendUint32(res, uint32(v))
		}
	}
	return res
}

func appendLenPrefix(b, data []byte) []byte {
	b = binary.BigEndian.AppendUint32(b, uint32(len(data)))
	return append(b, data...)
}
