package memory

import "github.com/AutumnsGrove/groveauth/pkg/crypto"

func defaultVerifySecret(hash, secret string) bool {
	return crypto.VerifySecret(hash, secret)
}
