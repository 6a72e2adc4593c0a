package wallet

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"regexp"
	"time"

	"lukechampine.com/blake3"

	"quizfund/core/types"
)

const suffixLength = 6

var (
	defaultRandom io.Reader = rand.Reader

	defaultWords = []string{
		"amber", "birch", "cedar", "delta", "ember", "fjord", "grove", "heron",
		"iris", "jade", "kelp", "lotus", "maple", "nova", "onyx", "pine",
		"quartz", "raven", "sage", "tide", "umber", "vale", "willow", "zephyr",
	}

	// accountPattern is the ledger's named account grammar.
	accountPattern = regexp.MustCompile(`^(([a-z\d]+[-_])*[a-z\d]+\.)*([a-z\d]+[-_])*[a-z\d]+$`)
)

// AllocateAccountID returns an unused sub-account name of the form
// <word><hash-suffix>.<root>. Every candidate is checked against the store and a
// collision regenerates the candidate, up to the configured number of attempts.
func (m *Manager) AllocateAccountID(ctx context.Context, owner string, isMainnet bool) (string, error) {
	network := types.Testnet
	if isMainnet {
		network = types.Mainnet
	}
	n, err := m.network(network)
	if err != nil {
		return "", err
	}
	for attempt := 1; attempt <= m.attempts; attempt++ {
		candidate, err := m.candidate(owner, n.Root)
		if err != nil {
			return "", err
		}
		m.allocAttempts.Add(1)
		taken, err := m.store.AccountIDTaken(ctx, candidate)
		if err != nil {
			return "", fmt.Errorf("wallet: check account id: %w", err)
		}
		if !taken {
			m.metrics.RecordAllocation("unique")
			return candidate, nil
		}
		m.allocCollisions.Add(1)
		m.metrics.RecordAllocation("collision")
		m.logger.Warn("account id collision",
			slog.String("candidate", candidate),
			slog.Int("attempt", attempt),
			slog.Int("max_attempts", m.attempts))
	}
	m.metrics.RecordAllocation("exhausted")
	return "", fmt.Errorf("%w: %d attempts for owner %s", ErrAccountIDCollision, m.attempts, owner)
}

func (m *Manager) candidate(owner, root string) (string, error) {
	var nonce [16]byte
	if _, err := io.ReadFull(m.random, nonce[:]); err != nil {
		return "", fmt.Errorf("wallet: read entropy: %w", err)
	}
	h := blake3.New(32, nil)
	_, _ = h.Write([]byte(owner))
	_, _ = h.Write(nonce[:])
	digest := h.Sum(nil)
	word := m.words[int(digest[len(digest)-1])%len(m.words)]
	id := word + hex.EncodeToString(digest)[:suffixLength] + "." + root
	if len(id) > 64 || !accountPattern.MatchString(id) {
		return "", fmt.Errorf("wallet: generated account id %q is not valid under root %q", id, root)
	}
	return id, nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
