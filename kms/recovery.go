package kms

import (
	"errors"
	"fmt"

	"github.com/hashicorp/vault/shamir"
	"github.com/ruteri/secure-values/cryptoutils"
	"github.com/ruteri/secure-values/interfaces"
)

// SplitRecoveryShares splits the master secret into parts shares, any
// threshold of which reconstruct it. Shares are meant for offline backup and
// are never sent to the remote service.
func SplitRecoveryShares(secret MasterSecret, parts, threshold int) ([][]byte, error) {
	if !cryptoutils.ValidSecret(secret.Bytes) {
		return nil, errors.New("refusing to split an invalid secret")
	}
	if threshold < 2 {
		return nil, errors.New("threshold must be at least 2")
	}
	if parts < threshold {
		return nil, errors.New("total shares must be at least equal to threshold")
	}

	shares, err := shamir.Split(secret.Bytes, parts, threshold)
	if err != nil {
		return nil, fmt.Errorf("failed to split master secret: %w", err)
	}
	return shares, nil
}

// CombineRecoveryShares reconstructs a master secret from recovery shares.
// Too few or mismatched shares yield ErrSecretIntegrity.
func CombineRecoveryShares(shares [][]byte) (MasterSecret, error) {
	if len(shares) < 2 {
		return MasterSecret{}, errors.New("at least two shares are required")
	}

	secret, err := shamir.Combine(shares)
	if err != nil {
		return MasterSecret{}, fmt.Errorf("failed to combine shares: %w", err)
	}
	if !cryptoutils.ValidSecret(secret) {
		return MasterSecret{}, interfaces.ErrSecretIntegrity
	}

	return MasterSecret{Bytes: secret, ID: cryptoutils.SecretID(secret)}, nil
}
