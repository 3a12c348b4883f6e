package ledger

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	bin "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
)

const (
	statusPollInterval = 2 * time.Second

	instructionBuy  uint8 = 1
	instructionSell uint8 = 2
)

// SolanaClient talks to a Solana RPC node. Transaction signatures double
// as ledger references: the signature is fixed at signing time, so a
// timed-out submission can still be reconciled later by signature.
type SolanaClient struct {
	rpc    *rpc.Client
	logger *slog.Logger
}

func NewSolanaClient(endpoint string, logger *slog.Logger) *SolanaClient {
	return &SolanaClient{
		rpc:    rpc.New(endpoint),
		logger: logger,
	}
}

func (c *SolanaClient) Submit(ctx context.Context, tx SignedTransaction) error {
	sig, err := solana.SignatureFromBase58(tx.Ref)
	if err != nil {
		return fmt.Errorf("%w: bad reference %q: %v", ErrRejected, tx.Ref, err)
	}

	_, err = c.rpc.SendRawTransactionWithOpts(ctx, tx.Payload, rpc.TransactionOpts{
		SkipPreflight:       false,
		PreflightCommitment: rpc.CommitmentConfirmed,
	})
	if err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("%w: %v", ErrTimeout, err)
		}
		// Preflight failures are deterministic: the transaction was
		// simulated and refused before reaching the ledger.
		return fmt.Errorf("%w: %v", ErrRejected, err)
	}

	return c.waitForConfirmation(ctx, sig)
}

func (c *SolanaClient) waitForConfirmation(ctx context.Context, sig solana.Signature) error {
	ticker := time.NewTicker(statusPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			c.logger.Warn("confirmation timed out", "signature", sig.String())
			return fmt.Errorf("%w: %v", ErrTimeout, ctx.Err())
		case <-ticker.C:
		}

		resp, err := c.rpc.GetSignatureStatuses(ctx, true, sig)
		if err != nil {
			if ctx.Err() != nil {
				return fmt.Errorf("%w: %v", ErrTimeout, err)
			}
			continue
		}
		if len(resp.Value) == 0 || resp.Value[0] == nil {
			continue
		}
		st := resp.Value[0]
		if st.Err != nil {
			return fmt.Errorf("%w: %v", ErrRejected, st.Err)
		}
		switch st.ConfirmationStatus {
		case rpc.ConfirmationStatusConfirmed, rpc.ConfirmationStatusFinalized:
			return nil
		}
	}
}

func (c *SolanaClient) QueryStatus(ctx context.Context, ref string) (Status, error) {
	sig, err := solana.SignatureFromBase58(ref)
	if err != nil {
		return StatusUnknown, fmt.Errorf("bad reference %q: %w", ref, err)
	}

	resp, err := c.rpc.GetSignatureStatuses(ctx, true, sig)
	if err != nil {
		return StatusUnknown, fmt.Errorf("query signature status: %w", err)
	}
	if len(resp.Value) == 0 || resp.Value[0] == nil {
		return StatusUnknown, nil
	}
	st := resp.Value[0]
	if st.Err != nil {
		return StatusFailed, nil
	}
	switch st.ConfirmationStatus {
	case rpc.ConfirmationStatusConfirmed, rpc.ConfirmationStatusFinalized:
		return StatusConfirmed, nil
	}
	return StatusUnknown, nil
}

func (c *SolanaClient) ReadAccount(ctx context.Context, account string) ([]byte, error) {
	pubkey, err := solana.PublicKeyFromBase58(account)
	if err != nil {
		return nil, fmt.Errorf("bad account %q: %w", account, err)
	}

	resp, err := c.rpc.GetAccountInfoWithOpts(ctx, pubkey, &rpc.GetAccountInfoOpts{
		Commitment: rpc.CommitmentConfirmed,
	})
	if err != nil {
		if errors.Is(err, rpc.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("read account %s: %w", account, err)
	}
	if resp.Value == nil {
		return nil, ErrNotFound
	}
	return resp.Value.Data.GetBinary(), nil
}

// SolanaSigner signs trades with a custodial hot key. The program-side
// instruction encodes quantities as integers: keys in millikeys, amounts
// in lamports.
type SolanaSigner struct {
	rpc       *rpc.Client
	key       solana.PrivateKey
	programID solana.PublicKey
}

func NewSolanaSigner(endpoint string, key solana.PrivateKey, programID solana.PublicKey) *SolanaSigner {
	return &SolanaSigner{
		rpc:       rpc.New(endpoint),
		key:       key,
		programID: programID,
	}
}

type tradeInstruction struct {
	Instruction uint8
	MilliKeys   uint64
	Lamports    uint64
}

func (s *SolanaSigner) Sign(ctx context.Context, tx TradeTransaction) (SignedTransaction, error) {
	disc := instructionBuy
	if tx.Side == "sell" {
		disc = instructionSell
	}

	milliKeys := tx.Keys.Shift(3).Truncate(0)
	lamports := tx.Amount.Shift(9).Truncate(0)
	if milliKeys.IsNegative() || lamports.IsNegative() {
		return SignedTransaction{}, fmt.Errorf("%w: negative quantity", ErrSignerDeclined)
	}

	buf := new(bytes.Buffer)
	err := bin.NewBorshEncoder(buf).Encode(tradeInstruction{
		Instruction: disc,
		MilliKeys:   milliKeys.BigInt().Uint64(),
		Lamports:    lamports.BigInt().Uint64(),
	})
	if err != nil {
		return SignedTransaction{}, fmt.Errorf("encode instruction: %w", err)
	}
	data := buf.Bytes()

	curveAccount, _, err := solana.FindProgramAddress(
		[][]byte{[]byte("curve"), []byte(tx.CurveID)},
		s.programID,
	)
	if err != nil {
		return SignedTransaction{}, fmt.Errorf("derive curve account: %w", err)
	}

	blockhash, err := s.rpc.GetLatestBlockhash(ctx, rpc.CommitmentFinalized)
	if err != nil {
		return SignedTransaction{}, fmt.Errorf("fetch blockhash: %w", err)
	}

	instr := solana.NewInstruction(
		s.programID,
		solana.AccountMetaSlice{
			solana.Meta(curveAccount).WRITE(),
			solana.Meta(s.key.PublicKey()).SIGNER().WRITE(),
			solana.Meta(solana.SystemProgramID),
		},
		data,
	)

	built, err := solana.NewTransaction(
		[]solana.Instruction{instr},
		blockhash.Value.Blockhash,
		solana.TransactionPayer(s.key.PublicKey()),
	)
	if err != nil {
		return SignedTransaction{}, fmt.Errorf("build transaction: %w", err)
	}

	_, err = built.Sign(func(key solana.PublicKey) *solana.PrivateKey {
		if key.Equals(s.key.PublicKey()) {
			return &s.key
		}
		return nil
	})
	if err != nil {
		return SignedTransaction{}, fmt.Errorf("%w: %v", ErrSignerDeclined, err)
	}

	payload, err := built.MarshalBinary()
	if err != nil {
		return SignedTransaction{}, fmt.Errorf("serialize transaction: %w", err)
	}

	return SignedTransaction{
		Ref:     built.Signatures[0].String(),
		Payload: payload,
	}, nil
}
