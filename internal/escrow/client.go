// Package escrow is a thin typed client for the on-chain job escrow program.
// The platform never holds poster funds: create and submit transactions are
// built unsigned for the client wallet to sign, while release, refund, and
// auto-release are signed by the platform wallet.
package escrow

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"go.uber.org/zap"
)

// Status mirrors the on-chain escrow account state.
type Status uint8

const (
	StatusActive Status = iota
	StatusPendingReview
	StatusReleased
	StatusRefunded
)

// String returns the canonical status name.
func (s Status) String() string {
	switch s {
	case StatusActive:
		return "active"
	case StatusPendingReview:
		return "pending_review"
	case StatusReleased:
		return "released"
	case StatusRefunded:
		return "refunded"
	}
	return fmt.Sprintf("unknown(%d)", uint8(s))
}

// Instruction tags understood by the escrow program.
const (
	ixCreate uint8 = iota
	ixSubmitWork
	ixRelease
	ixRefund
	ixAutoRelease
)

// platformFeeBPS is the fee the program routes to the platform wallet on
// release, in basis points. The split happens on-chain; the client only
// reports the breakdown.
const platformFeeBPS = 100

// ErrNoAccount is returned when the escrow PDA has no on-chain account yet.
var ErrNoAccount = errors.New("escrow account does not exist")

// Info is the decoded on-chain escrow account.
type Info struct {
	Exists         bool   `json:"exists"`
	Address        string `json:"address"`
	Balance        uint64 `json:"balance"`
	Status         Status `json:"status"`
	StatusName     string `json:"status_name"`
	Amount         uint64 `json:"amount"`
	Poster         string `json:"poster"`
	Worker         string `json:"worker,omitempty"`
	ExpiresAt      int64  `json:"expires_at"`
	ReviewDeadline int64  `json:"review_deadline,omitempty"`
}

// FeeBreakdown reports how a release splits between worker and platform.
type FeeBreakdown struct {
	Total       uint64 `json:"total_lamports"`
	PlatformFee uint64 `json:"platform_fee_lamports"`
	ToWorker    uint64 `json:"to_worker_lamports"`
}

// UnsignedTx is a serialised transaction awaiting a client signature.
type UnsignedTx struct {
	Base64        string `json:"transaction_base64"`
	EscrowAddress string `json:"escrow_address"`
	Signer        string `json:"expected_signer"`
}

// Client talks to the escrow program over JSON-RPC.
type Client struct {
	rpc      *rpc.Client
	program  solana.PublicKey
	platform solana.PrivateKey // signs release/refund/auto-release
	logger   *zap.Logger
}

// New creates a Client. platformKey may be empty for read-only deployments;
// privileged calls then fail with a clear error.
func New(rpcURL, programID, platformKeyB58 string, logger *zap.Logger) (*Client, error) {
	program, err := solana.PublicKeyFromBase58(programID)
	if err != nil {
		return nil, fmt.Errorf("parse escrow program id: %w", err)
	}
	c := &Client{
		rpc:     rpc.New(rpcURL),
		program: program,
		logger:  logger,
	}
	if platformKeyB58 != "" {
		key, err := solana.PrivateKeyFromBase58(platformKeyB58)
		if err != nil {
			return nil, fmt.Errorf("parse platform wallet key: %w", err)
		}
		c.platform = key
	}
	return c, nil
}

// ProgramID returns the escrow program address, base58-encoded. Webhook
// processing uses it to filter unrelated transactions.
func (c *Client) ProgramID() string {
	return c.program.String()
}

// Health probes the RPC endpoint.
func (c *Client) Health(ctx context.Context) error {
	out, err := c.rpc.GetHealth(ctx)
	if err != nil {
		return fmt.Errorf("rpc health: %w", err)
	}
	if out != rpc.HealthOk {
		return fmt.Errorf("rpc unhealthy: %s", out)
	}
	return nil
}

// DeriveAddress computes the deterministic escrow PDA for (job, poster).
// Stored at job creation so unsolicited webhook events can be matched back
// to a job before the poster signs anything.
func (c *Client) DeriveAddress(jobID, posterWallet string) (solana.PublicKey, error) {
	poster, err := solana.PublicKeyFromBase58(posterWallet)
	if err != nil {
		return solana.PublicKey{}, fmt.Errorf("parse poster wallet: %w", err)
	}
	pda, _, err := solana.FindProgramAddress(
		[][]byte{[]byte("escrow"), []byte(jobID), poster.Bytes()},
		c.program,
	)
	if err != nil {
		return solana.PublicKey{}, fmt.Errorf("derive escrow pda: %w", err)
	}
	return pda, nil
}

// DeriveAddressString is DeriveAddress rendered base58 for storage.
func (c *Client) DeriveAddressString(jobID, posterWallet string) (string, error) {
	pda, err := c.DeriveAddress(jobID, posterWallet)
	if err != nil {
		return "", err
	}
	return pda.String(), nil
}

// BuildCreateTx assembles the unsigned create_escrow transaction for the
// poster to sign: deposits lamports into the PDA with the given expiry.
func (c *Client) BuildCreateTx(ctx context.Context, jobID, posterWallet string, lamports uint64, expiresUnix int64) (*UnsignedTx, error) {
	poster, err := solana.PublicKeyFromBase58(posterWallet)
	if err != nil {
		return nil, fmt.Errorf("parse poster wallet: %w", err)
	}
	pda, err := c.DeriveAddress(jobID, posterWallet)
	if err != nil {
		return nil, err
	}

	data := make([]byte, 1+8+8+len(jobID))
	data[0] = ixCreate
	binary.LittleEndian.PutUint64(data[1:9], lamports)
	binary.LittleEndian.PutUint64(data[9:17], uint64(expiresUnix))
	copy(data[17:], jobID)

	ix := solana.NewInstruction(c.program, solana.AccountMetaSlice{
		solana.Meta(poster).WRITE().SIGNER(),
		solana.Meta(pda).WRITE(),
		solana.Meta(solana.SystemProgramID),
	}, data)

	tx, err := c.buildUnsigned(ctx, ix, poster)
	if err != nil {
		return nil, err
	}
	return &UnsignedTx{Base64: tx, EscrowAddress: pda.String(), Signer: posterWallet}, nil
}

// BuildSubmitTx assembles the unsigned submit_work transaction for the
// worker to sign. submission is hashed into an on-chain proof; pass empty
// to skip the proof.
func (c *Client) BuildSubmitTx(ctx context.Context, jobID, posterWallet, workerWallet, submission string) (*UnsignedTx, error) {
	worker, err := solana.PublicKeyFromBase58(workerWallet)
	if err != nil {
		return nil, fmt.Errorf("parse worker wallet: %w", err)
	}
	pda, err := c.DeriveAddress(jobID, posterWallet)
	if err != nil {
		return nil, err
	}

	data := make([]byte, 1+32)
	data[0] = ixSubmitWork
	if submission != "" {
		proof := sha256.Sum256([]byte(submission))
		copy(data[1:], proof[:])
	}

	ix := solana.NewInstruction(c.program, solana.AccountMetaSlice{
		solana.Meta(worker).WRITE().SIGNER(),
		solana.Meta(pda).WRITE(),
	}, data)

	tx, err := c.buildUnsigned(ctx, ix, worker)
	if err != nil {
		return nil, err
	}
	return &UnsignedTx{Base64: tx, EscrowAddress: pda.String(), Signer: workerWallet}, nil
}

// ReleaseToWorker signs and sends the platform-authorised release.
func (c *Client) ReleaseToWorker(ctx context.Context, jobID, posterWallet, workerWallet string, amount uint64) (string, *FeeBreakdown, error) {
	sig, err := c.sendPrivileged(ctx, ixRelease, jobID, posterWallet, workerWallet)
	if err != nil {
		return "", nil, err
	}
	return sig, feeBreakdown(amount), nil
}

// RefundToPoster signs and sends the platform-authorised refund.
func (c *Client) RefundToPoster(ctx context.Context, jobID, posterWallet string) (string, error) {
	return c.sendPrivileged(ctx, ixRefund, jobID, posterWallet, "")
}

// AutoRelease cranks the permissionless release after the on-chain review
// window. The program rejects it when the window has not yet lapsed.
func (c *Client) AutoRelease(ctx context.Context, jobID, posterWallet, workerWallet string, amount uint64) (string, *FeeBreakdown, error) {
	sig, err := c.sendPrivileged(ctx, ixAutoRelease, jobID, posterWallet, workerWallet)
	if err != nil {
		return "", nil, err
	}
	return sig, feeBreakdown(amount), nil
}

// GetInfo reads and decodes the on-chain escrow account.
func (c *Client) GetInfo(ctx context.Context, jobID, posterWallet string) (*Info, error) {
	pda, err := c.DeriveAddress(jobID, posterWallet)
	if err != nil {
		return nil, err
	}
	res, err := c.rpc.GetAccountInfo(ctx, pda)
	if err != nil {
		if errors.Is(err, rpc.ErrNotFound) {
			return &Info{Exists: false, Address: pda.String()}, nil
		}
		return nil, fmt.Errorf("get escrow account: %w", err)
	}
	if res == nil || res.Value == nil {
		return &Info{Exists: false, Address: pda.String()}, nil
	}

	info, err := decodeAccount(res.Value.Data.GetBinary())
	if err != nil {
		return nil, fmt.Errorf("decode escrow account %s: %w", pda, err)
	}
	info.Exists = true
	info.Address = pda.String()
	info.Balance = res.Value.Lamports
	return info, nil
}

// accountSize is the fixed escrow account layout:
// status(1) | amount u64 | poster(32) | worker(32) | expiry i64 | review_deadline i64.
const accountSize = 1 + 8 + 32 + 32 + 8 + 8

func decodeAccount(raw []byte) (*Info, error) {
	if len(raw) < accountSize {
		return nil, fmt.Errorf("account data too short: %d bytes", len(raw))
	}
	status := Status(raw[0])
	if status > StatusRefunded {
		return nil, fmt.Errorf("unknown escrow status byte %d", raw[0])
	}
	info := &Info{
		Status:         status,
		StatusName:     status.String(),
		Amount:         binary.LittleEndian.Uint64(raw[1:9]),
		ExpiresAt:      int64(binary.LittleEndian.Uint64(raw[73:81])),
		ReviewDeadline: int64(binary.LittleEndian.Uint64(raw[81:89])),
	}
	info.Poster = solana.PublicKeyFromBytes(raw[9:41]).String()
	worker := solana.PublicKeyFromBytes(raw[41:73])
	if !worker.IsZero() {
		info.Worker = worker.String()
	}
	return info, nil
}

func feeBreakdown(amount uint64) *FeeBreakdown {
	fee := amount * platformFeeBPS / 10_000
	return &FeeBreakdown{Total: amount, PlatformFee: fee, ToWorker: amount - fee}
}

// buildUnsigned wraps one instruction in a transaction with a fresh
// blockhash and serialises it for out-of-band signing.
func (c *Client) buildUnsigned(ctx context.Context, ix solana.Instruction, payer solana.PublicKey) (string, error) {
	recent, err := c.rpc.GetLatestBlockhash(ctx, rpc.CommitmentFinalized)
	if err != nil {
		return "", fmt.Errorf("get blockhash: %w", err)
	}
	tx, err := solana.NewTransaction(
		[]solana.Instruction{ix},
		recent.Value.Blockhash,
		solana.TransactionPayer(payer),
	)
	if err != nil {
		return "", fmt.Errorf("build transaction: %w", err)
	}
	return tx.ToBase64()
}

// sendPrivileged builds, signs with the platform wallet, and sends one of
// the privileged instructions.
func (c *Client) sendPrivileged(ctx context.Context, tag uint8, jobID, posterWallet, workerWallet string) (string, error) {
	if c.platform == nil {
		return "", errors.New("no platform wallet configured")
	}
	pda, err := c.DeriveAddress(jobID, posterWallet)
	if err != nil {
		return "", err
	}
	poster, err := solana.PublicKeyFromBase58(posterWallet)
	if err != nil {
		return "", fmt.Errorf("parse poster wallet: %w", err)
	}

	metas := solana.AccountMetaSlice{
		solana.Meta(c.platform.PublicKey()).WRITE().SIGNER(),
		solana.Meta(pda).WRITE(),
		solana.Meta(poster).WRITE(),
	}
	if workerWallet != "" {
		worker, err := solana.PublicKeyFromBase58(workerWallet)
		if err != nil {
			return "", fmt.Errorf("parse worker wallet: %w", err)
		}
		metas = append(metas, solana.Meta(worker).WRITE())
	}

	recent, err := c.rpc.GetLatestBlockhash(ctx, rpc.CommitmentFinalized)
	if err != nil {
		return "", fmt.Errorf("get blockhash: %w", err)
	}
	tx, err := solana.NewTransaction(
		[]solana.Instruction{solana.NewInstruction(c.program, metas, []byte{tag})},
		recent.Value.Blockhash,
		solana.TransactionPayer(c.platform.PublicKey()),
	)
	if err != nil {
		return "", fmt.Errorf("build transaction: %w", err)
	}
	if _, err := tx.Sign(func(key solana.PublicKey) *solana.PrivateKey {
		if key.Equals(c.platform.PublicKey()) {
			return &c.platform
		}
		return nil
	}); err != nil {
		return "", fmt.Errorf("sign transaction: %w", err)
	}

	sig, err := c.rpc.SendTransactionWithOpts(ctx, tx, rpc.TransactionOpts{
		PreflightCommitment: rpc.CommitmentConfirmed,
	})
	if err != nil {
		return "", fmt.Errorf("send transaction: %w", err)
	}
	c.logger.Info("escrow instruction sent",
		zap.Uint8("tag", tag),
		zap.String("job_id", jobID),
		zap.String("escrow", pda.String()),
		zap.String("signature", sig.String()))
	return sig.String(), nil
}
