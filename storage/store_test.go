package storage

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"quizfund/core/types"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{TranslateError: true})
	require.NoError(t, err)
	store, err := New(db)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func fundingQuiz(t *testing.T, store *Store) *Quiz {
	t.Helper()
	ctx := context.Background()
	quiz := &Quiz{Title: "capitals", CreatorUserID: "creator", Network: "testnet", RewardKind: "winner_takes_all", RewardDetails: "5 NEAR"}
	require.NoError(t, store.CreateQuiz(ctx, quiz))
	require.Equal(t, types.QuizDraft, quiz.Status)
	require.NoError(t, store.OpenFunding(ctx, quiz.ID, "quiz1a2b3c.testnet", uuid.New()))
	return quiz
}

func TestQuizLifecycleTransitions(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	quiz := fundingQuiz(t, store)

	now := time.Now().UTC()
	end := now.Add(time.Hour)
	require.NoError(t, store.ActivateQuiz(ctx, quiz.ID, "hash-1", now, &end))

	loaded, err := store.GetQuiz(ctx, quiz.ID)
	require.NoError(t, err)
	require.Equal(t, types.QuizActive, loaded.Status)
	require.NotNil(t, loaded.PaymentTxHash)
	require.Equal(t, "hash-1", *loaded.PaymentTxHash)
	require.Equal(t, "quiz1a2b3c.testnet", loaded.DepositAddress)

	// A second activation loses the compare-and-set.
	require.ErrorIs(t, store.ActivateQuiz(ctx, quiz.ID, "hash-2", now, nil), ErrStateConflict)

	require.NoError(t, store.CloseQuiz(ctx, quiz.ID))
	require.ErrorIs(t, store.CloseQuiz(ctx, quiz.ID), ErrStateConflict)

	_, err = store.GetQuiz(ctx, uuid.New())
	require.ErrorIs(t, err, ErrNotFound)
}

func TestActivateRejectsReusedHash(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	first := fundingQuiz(t, store)
	second := fundingQuiz(t, store)

	require.NoError(t, store.ActivateQuiz(ctx, first.ID, "shared", time.Now().UTC(), nil))
	used, err := store.HashUsed(ctx, "shared")
	require.NoError(t, err)
	require.True(t, used)

	require.ErrorIs(t, store.ActivateQuiz(ctx, second.ID, "shared", time.Now().UTC(), nil), ErrDuplicateHash)
	loaded, err := store.GetQuiz(ctx, second.ID)
	require.NoError(t, err)
	require.Equal(t, types.QuizFunding, loaded.Status)
}

func TestOverdueQuizzes(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	now := time.Now().UTC()

	due := fundingQuiz(t, store)
	past := now.Add(-time.Minute)
	require.NoError(t, store.ActivateQuiz(ctx, due.ID, "h-due", now.Add(-time.Hour), &past))

	later := fundingQuiz(t, store)
	future := now.Add(time.Hour)
	require.NoError(t, store.ActivateQuiz(ctx, later.ID, "h-later", now, &future))

	active, err := store.ActiveQuizzes(ctx)
	require.NoError(t, err)
	require.Len(t, active, 2)

	overdue, err := store.OverdueQuizzes(ctx, now)
	require.NoError(t, err)
	require.Len(t, overdue, 1)
	require.Equal(t, due.ID, overdue[0].ID)
}

func TestWalletUniqueness(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	w := &Wallet{OwnerRef: "user-1", Network: "testnet", AccountID: "apple0a1b2c.testnet", PublicKey: "ed25519:x", EncryptedKey: []byte{1}, IV: []byte{2}, Tag: []byte{3}}
	require.NoError(t, store.CreateWallet(ctx, w))

	taken, err := store.AccountIDTaken(ctx, "apple0a1b2c.testnet")
	require.NoError(t, err)
	require.True(t, taken)

	dupAccount := &Wallet{OwnerRef: "user-2", Network: "testnet", AccountID: "apple0a1b2c.testnet", PublicKey: "ed25519:y", EncryptedKey: []byte{1}, IV: []byte{2}, Tag: []byte{3}}
	require.ErrorIs(t, store.CreateWallet(ctx, dupAccount), ErrDuplicateAccount)

	dupOwner := &Wallet{OwnerRef: "user-1", Network: "testnet", AccountID: "pear0a1b2c.testnet", PublicKey: "ed25519:z", EncryptedKey: []byte{1}, IV: []byte{2}, Tag: []byte{3}}
	require.ErrorIs(t, store.CreateWallet(ctx, dupOwner), ErrWalletExists)

	found, err := store.WalletByOwner(ctx, "user-1", "testnet")
	require.NoError(t, err)
	require.Equal(t, w.ID, found.ID)
	require.False(t, found.Verified)

	require.NoError(t, store.SetWalletVerified(ctx, w.ID, true))
	found, err = store.WalletByID(ctx, w.ID)
	require.NoError(t, err)
	require.True(t, found.Verified)

	_, err = store.WalletByOwner(ctx, "user-1", "mainnet")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestParticipantsAggregateAnswers(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	quizID := uuid.New()
	base := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	answers := []Answer{
		{QuizID: quizID, UserID: "alice", Username: "Alice", Correct: true, AnsweredAt: base},
		{QuizID: quizID, UserID: "bob", Username: "Bob", Correct: false, AnsweredAt: base.Add(time.Second)},
		{QuizID: quizID, UserID: "alice", Username: "Alice", Correct: true, AnsweredAt: base.Add(2 * time.Second)},
		{QuizID: uuid.New(), UserID: "carol", Correct: true, AnsweredAt: base},
	}
	for i := range answers {
		require.NoError(t, store.RecordAnswer(ctx, &answers[i]))
	}

	participants, err := store.Participants(ctx, quizID)
	require.NoError(t, err)
	require.Len(t, participants, 2)
	require.Equal(t, "alice", participants[0].UserID)
	require.Equal(t, 2, participants[0].CorrectCount)
	require.True(t, participants[0].LastCorrectAt.Equal(base.Add(2*time.Second)))
	require.Equal(t, "bob", participants[1].UserID)
	require.Zero(t, participants[1].CorrectCount)
}

func TestTransfersRoundTripAmounts(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	quizID := uuid.New()
	amount, err := uint256.FromDecimal("4900000000000000000000000")
	require.NoError(t, err)
	created := time.Now().UTC()

	require.NoError(t, store.AppendTransfer(ctx, types.TransferResult{
		QuizID: quizID, UserID: "alice", Recipient: "alice.testnet", Rank: 1,
		Amount: amount, Currency: "NEAR", TxHash: "abc", Success: true, CreatedAt: created,
	}))
	require.NoError(t, store.AppendTransfer(ctx, types.TransferResult{
		QuizID: quizID, UserID: "bob", Rank: 2, Amount: amount, Currency: "NEAR",
		Reason: "recipient has no wallet", CreatedAt: created.Add(time.Millisecond),
	}))

	results, err := store.Transfers(ctx, quizID)
	require.NoError(t, err)
	require.Len(t, results, 2)
	require.Equal(t, amount.Dec(), results[0].Amount.Dec())
	require.True(t, results[0].Success)
	require.False(t, results[1].Success)
	require.Equal(t, "recipient has no wallet", results[1].Reason)

	window, err := store.TransfersBetween(ctx, created.Add(-time.Minute), created.Add(time.Minute))
	require.NoError(t, err)
	require.Len(t, window, 2)
}

func TestDistributionLease(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	quizID := uuid.New()
	now := time.Now().UTC()

	require.NoError(t, store.ClaimRun(ctx, quizID, "worker-a", now, time.Minute))
	require.ErrorIs(t, store.ClaimRun(ctx, quizID, "worker-b", now.Add(10*time.Second), time.Minute), ErrLeaseHeld)
	// The holder may renew.
	require.NoError(t, store.ClaimRun(ctx, quizID, "worker-a", now.Add(10*time.Second), time.Minute))
	// An expired lease is taken over.
	require.NoError(t, store.ClaimRun(ctx, quizID, "worker-b", now.Add(5*time.Minute), time.Minute))

	require.NoError(t, store.ReleaseRun(ctx, quizID, "worker-b"))
	require.NoError(t, store.ClaimRun(ctx, quizID, "worker-a", now.Add(5*time.Minute), time.Minute))
}
