// Package kms owns the master secret of a secure values session.
//
// # SecretManager
//
// SecretManager holds the 32-byte master secret in memory only. It is either
// unwrapped from the server-held wrapping with the account password
// (Resolve) or generated, wrapped and registered with the remote service
// (Generate). Until one of these succeeds, operations that need the secret
// are parked with WithSecret and run in registration order once it is
// installed. An OnInstall hook runs before them, which is where callers
// decrypt values that arrived before the secret did.
//
// A wrapped secret that fails its integrity check makes the manager forget
// (and zero) any secret it held, so no value is ever decrypted under a key
// the password did not produce.
//
// All SecretManager methods must be called on the coordinating context (see
// package dispatch). Registration runs on the executor and its outcome is
// posted back to the queue.
//
// # Recovery Shares
//
// SplitRecoveryShares and CombineRecoveryShares use Shamir's Secret Sharing
// to back the master secret up offline:
//
//	shares, err := kms.SplitRecoveryShares(secret, 5, 3)
//	if err != nil {
//	    return err
//	}
//	// ... any three shares later
//	secret, err := kms.CombineRecoveryShares(picked)
//
// Shares never leave the machine that produced them.
package kms
