package ledger

import (
	"bytes"
	"errors"
	"testing"

	bin "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"
)

func encodeFeeConfig(t *testing.T, version uint8, cfg feeConfigV1, paused bool) []byte {
	t.Helper()
	var buf bytes.Buffer
	enc := bin.NewBorshEncoder(&buf)
	if err := enc.Encode(version); err != nil {
		t.Fatalf("encode version: %v", err)
	}
	if err := enc.Encode(cfg); err != nil {
		t.Fatalf("encode body: %v", err)
	}
	if version >= feeConfigVersionV2 {
		if err := enc.Encode(paused); err != nil {
			t.Fatalf("encode paused: %v", err)
		}
	}
	return buf.Bytes()
}

func testWallets() (solana.PublicKey, solana.PublicKey, solana.PublicKey) {
	return solana.NewWallet().PublicKey(),
		solana.NewWallet().PublicKey(),
		solana.NewWallet().PublicKey()
}

func TestDecodeFeeConfig_V1(t *testing.T) {
	platform, buyback, community := testWallets()
	data := encodeFeeConfig(t, feeConfigVersionV1, feeConfigV1{
		CreatorBps:      200,
		PlatformBps:     100,
		BuybackBps:      100,
		CommunityBps:    100,
		ReferrerBps:     100,
		PlatformWallet:  platform,
		BuybackWallet:   buyback,
		CommunityWallet: community,
	}, false)

	cfg, err := DecodeFeeConfig(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if cfg.Version != 1 {
		t.Errorf("expected version 1, got %d", cfg.Version)
	}
	if cfg.CreatorBps != 200 || cfg.ReferrerBps != 100 {
		t.Errorf("bps mismatch: %+v", cfg)
	}
	if !cfg.PlatformWallet.Equals(platform) {
		t.Errorf("platform wallet mismatch")
	}
	if cfg.Paused {
		t.Error("v1 accounts must decode unpaused")
	}
}

func TestDecodeFeeConfig_V2Paused(t *testing.T) {
	platform, buyback, community := testWallets()
	data := encodeFeeConfig(t, feeConfigVersionV2, feeConfigV1{
		CreatorBps:      150,
		PlatformBps:     150,
		BuybackBps:      100,
		CommunityBps:    100,
		ReferrerBps:     100,
		PlatformWallet:  platform,
		BuybackWallet:   buyback,
		CommunityWallet: community,
	}, true)

	cfg, err := DecodeFeeConfig(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if cfg.Version != 2 {
		t.Errorf("expected version 2, got %d", cfg.Version)
	}
	if !cfg.Paused {
		t.Error("expected paused config")
	}
	if cfg.CreatorBps != 150 {
		t.Errorf("expected creator 150 bps, got %d", cfg.CreatorBps)
	}
}

func TestDecodeFeeConfig_UnsupportedVersion(t *testing.T) {
	platform, buyback, community := testWallets()
	data := encodeFeeConfig(t, 9, feeConfigV1{
		PlatformWallet:  platform,
		BuybackWallet:   buyback,
		CommunityWallet: community,
	}, false)

	_, err := DecodeFeeConfig(data)
	if !errors.Is(err, ErrUnsupportedVersion) {
		t.Errorf("expected ErrUnsupportedVersion, got %v", err)
	}
}

func TestDecodeFeeConfig_Empty(t *testing.T) {
	if _, err := DecodeFeeConfig(nil); err == nil {
		t.Error("expected error for empty account data")
	}
}

func TestDecodeFeeConfig_Truncated(t *testing.T) {
	if _, err := DecodeFeeConfig([]byte{feeConfigVersionV1, 0x01}); err == nil {
		t.Error("expected error for truncated account data")
	}
}
