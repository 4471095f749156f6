package escrow

import (
	"encoding/binary"
	"testing"

	"github.com/gagliardetto/solana-go"
	"go.uber.org/zap"
)

const (
	testProgram = "4Nd1mBQtrMJVYVfKf2PJy9NZUZdTAsp7D4xWLs4gDB4T"
	testPoster  = "9xQeWvG816bUx9EPjHmaT23yvVM2ZWbrrpZb9PusVFin"
)

func newTestClient(t *testing.T) *Client {
	t.Helper()
	c, err := New("http://localhost:8899", testProgram, "", zap.NewNop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return c
}

func TestNew_badProgramID(t *testing.T) {
	if _, err := New("http://localhost:8899", "not-base58!", "", zap.NewNop()); err == nil {
		t.Fatal("expected error for invalid program id")
	}
}

func TestDeriveAddress_deterministic(t *testing.T) {
	c := newTestClient(t)
	a, err := c.DeriveAddress("job123", testPoster)
	if err != nil {
		t.Fatalf("DeriveAddress: %v", err)
	}
	b, err := c.DeriveAddress("job123", testPoster)
	if err != nil {
		t.Fatalf("DeriveAddress: %v", err)
	}
	if !a.Equals(b) {
		t.Errorf("same inputs derived different addresses: %s vs %s", a, b)
	}

	other, err := c.DeriveAddress("job124", testPoster)
	if err != nil {
		t.Fatalf("DeriveAddress: %v", err)
	}
	if a.Equals(other) {
		t.Error("different job ids derived the same address")
	}
}

func TestDeriveAddress_badWallet(t *testing.T) {
	c := newTestClient(t)
	if _, err := c.DeriveAddress("job123", "l1l1l1"); err == nil {
		t.Fatal("expected error for invalid wallet address")
	}
}

func TestDecodeAccount(t *testing.T) {
	poster := solana.MustPublicKeyFromBase58(testPoster)
	worker := solana.MustPublicKeyFromBase58(testProgram)

	raw := make([]byte, accountSize)
	raw[0] = byte(StatusPendingReview)
	binary.LittleEndian.PutUint64(raw[1:9], 10_000_000)
	copy(raw[9:41], poster.Bytes())
	copy(raw[41:73], worker.Bytes())
	binary.LittleEndian.PutUint64(raw[73:81], 1_700_000_000)
	binary.LittleEndian.PutUint64(raw[81:89], 1_700_086_400)

	info, err := decodeAccount(raw)
	if err != nil {
		t.Fatalf("decodeAccount: %v", err)
	}
	if info.Status != StatusPendingReview || info.StatusName != "pending_review" {
		t.Errorf("status = %v/%s", info.Status, info.StatusName)
	}
	if info.Amount != 10_000_000 {
		t.Errorf("amount = %d, want 10000000", info.Amount)
	}
	if info.Poster != testPoster {
		t.Errorf("poster = %s", info.Poster)
	}
	if info.Worker != testProgram {
		t.Errorf("worker = %s", info.Worker)
	}
	if info.ExpiresAt != 1_700_000_000 || info.ReviewDeadline != 1_700_086_400 {
		t.Errorf("timestamps = %d / %d", info.ExpiresAt, info.ReviewDeadline)
	}
}

func TestDecodeAccount_noWorker(t *testing.T) {
	poster := solana.MustPublicKeyFromBase58(testPoster)
	raw := make([]byte, accountSize)
	raw[0] = byte(StatusActive)
	copy(raw[9:41], poster.Bytes())

	info, err := decodeAccount(raw)
	if err != nil {
		t.Fatalf("decodeAccount: %v", err)
	}
	if info.Worker != "" {
		t.Errorf("zero worker key should decode empty, got %s", info.Worker)
	}
}

func TestDecodeAccount_errors(t *testing.T) {
	if _, err := decodeAccount(make([]byte, 10)); err == nil {
		t.Error("short data accepted")
	}
	raw := make([]byte, accountSize)
	raw[0] = 9
	if _, err := decodeAccount(raw); err == nil {
		t.Error("unknown status byte accepted")
	}
}

func TestFeeBreakdown(t *testing.T) {
	fb := feeBreakdown(10_000_000)
	if fb.PlatformFee != 100_000 {
		t.Errorf("fee = %d, want 100000 (1%%)", fb.PlatformFee)
	}
	if fb.ToWorker != 9_900_000 {
		t.Errorf("to worker = %d, want 9900000", fb.ToWorker)
	}
	if fb.PlatformFee+fb.ToWorker != fb.Total {
		t.Error("breakdown does not sum to total")
	}
}

func TestSendPrivileged_noPlatformKey(t *testing.T) {
	c := newTestClient(t)
	if _, err := c.RefundToPoster(t.Context(), "job123", testPoster); err == nil {
		t.Fatal("expected error without platform wallet")
	}
}

func TestStatusString(t *testing.T) {
	cases := map[Status]string{
		StatusActive:        "active",
		StatusPendingReview: "pending_review",
		StatusReleased:      "released",
		StatusRefunded:      "refunded",
	}
	for s, want := range cases {
		if got := s.String(); got != want {
			t.Errorf("Status(%d).String() = %q, want %q", s, got, want)
		}
	}
}
