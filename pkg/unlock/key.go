package unlock

import "hash/fnv"

// CredentialKey derives the 64-bit mailbox key from a passphrase. Both sides
// of the mailbox protocol apply the same derivation, so a submission is
// accepted exactly when the passphrases match.
func CredentialKey(passphrase string) uint64 {
	h := fnv.New64a()
	h.Write([]byte(passphrase))
	return h.Sum64()
}
