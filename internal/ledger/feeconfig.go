package ledger

import (
	"errors"
	"fmt"

	bin "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"
)

// ErrUnsupportedVersion is returned for fee config accounts written by a
// newer program than this binary understands.
var ErrUnsupportedVersion = errors.New("ledger: unsupported fee config version")

const (
	feeConfigVersionV1 uint8 = 1
	feeConfigVersionV2 uint8 = 2
)

// FeeConfig is the on-ledger platform fee configuration. The account
// starts with a version tag so the layout can evolve without breaking
// old readers; fields are decoded per version, never by raw offset.
type FeeConfig struct {
	Version         uint8
	CreatorBps      uint16
	PlatformBps     uint16
	BuybackBps      uint16
	CommunityBps    uint16
	ReferrerBps     uint16
	PlatformWallet  solana.PublicKey
	BuybackWallet   solana.PublicKey
	CommunityWallet solana.PublicKey
	// Paused gates new trades platform-wide. Added in v2; v1 accounts
	// decode with Paused=false.
	Paused bool
}

type feeConfigV1 struct {
	CreatorBps      uint16
	PlatformBps     uint16
	BuybackBps      uint16
	CommunityBps    uint16
	ReferrerBps     uint16
	PlatformWallet  solana.PublicKey
	BuybackWallet   solana.PublicKey
	CommunityWallet solana.PublicKey
}

// DecodeFeeConfig parses a fee config account fetched from the ledger.
func DecodeFeeConfig(data []byte) (FeeConfig, error) {
	if len(data) == 0 {
		return FeeConfig{}, errors.New("ledger: empty fee config account")
	}

	dec := bin.NewBorshDecoder(data)
	version, err := dec.ReadUint8()
	if err != nil {
		return FeeConfig{}, fmt.Errorf("read fee config version: %w", err)
	}

	switch version {
	case feeConfigVersionV1, feeConfigVersionV2:
		var v1 feeConfigV1
		if err := dec.Decode(&v1); err != nil {
			return FeeConfig{}, fmt.Errorf("decode fee config v%d: %w", version, err)
		}
		paused := false
		if version == feeConfigVersionV2 {
			if paused, err = dec.ReadBool(); err != nil {
				return FeeConfig{}, fmt.Errorf("decode fee config v2 paused flag: %w", err)
			}
		}
		return feeConfigFromV1(version, v1, paused), nil
	default:
		return FeeConfig{}, fmt.Errorf("%w: %d", ErrUnsupportedVersion, version)
	}
}

func feeConfigFromV1(version uint8, v feeConfigV1, paused bool) FeeConfig {
	return FeeConfig{
		Version:         version,
		CreatorBps:      v.CreatorBps,
		PlatformBps:     v.PlatformBps,
		BuybackBps:      v.BuybackBps,
		CommunityBps:    v.CommunityBps,
		ReferrerBps:     v.ReferrerBps,
		PlatformWallet:  v.PlatformWallet,
		BuybackWallet:   v.BuybackWallet,
		CommunityWallet: v.CommunityWallet,
		Paused:          paused,
	}
}
