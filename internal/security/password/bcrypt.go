// Package password hashes credentials for storage with an adaptive,
// salted algorithm.
package password

import (
	"context"
	"fmt"
	"runtime"

	"golang.org/x/crypto/bcrypt"
	"golang.org/x/sync/semaphore"
)

// DefaultCost matches the work factor the loan backend has always used.
const DefaultCost = bcrypt.DefaultCost

// maxPasswordBytes is the bcrypt input limit; longer input would be silently truncated.
const maxPasswordBytes = 72

var ErrPasswordTooLong = fmt.Errorf("password exceeds %d bytes", maxPasswordBytes)

// Encoder hashes raw passwords and verifies them against stored hashes.
type Encoder interface {
	Encode(raw string) (string, error)
	Matches(raw, encoded string) bool
	// UpgradeEncoding reports whether encoded should be re-hashed with the
	// current settings.
	UpgradeEncoding(encoded string) bool
}

// BCrypt is an Encoder using bcrypt with a fixed cost.
type BCrypt struct {
	cost int
}

// NewBCrypt returns a bcrypt encoder. Cost must lie within bcrypt's limits.
func NewBCrypt(cost int) (*BCrypt, error) {
	if cost < bcrypt.MinCost || cost > bcrypt.MaxCost {
		return nil, fmt.Errorf("bcrypt cost %d outside [%d, %d]", cost, bcrypt.MinCost, bcrypt.MaxCost)
	}
	return &BCrypt{cost: cost}, nil
}

func (b *BCrypt) Cost() int { return b.cost }

func (b *BCrypt) Encode(raw string) (string, error) {
	if len(raw) > maxPasswordBytes {
		return "", ErrPasswordTooLong
	}
	h, err := bcrypt.GenerateFromPassword([]byte(raw), b.cost)
	if err != nil {
		return "", fmt.Errorf("hash password: %w", err)
	}
	return string(h), nil
}

func (b *BCrypt) Matches(raw, encoded string) bool {
	if encoded == "" || len(raw) > maxPasswordBytes {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(encoded), []byte(raw)) == nil
}

func (b *BCrypt) UpgradeEncoding(encoded string) bool {
	cost, err := bcrypt.Cost([]byte(encoded))
	if err != nil {
		return false
	}
	return cost < b.cost
}

// Limited bounds how many hashes run at once so a burst of logins cannot
// starve request handling of CPU.
type Limited struct {
	Encoder
	sem *semaphore.Weighted
}

// NewLimited wraps enc allowing at most n concurrent operations. n <= 0
// means GOMAXPROCS.
func NewLimited(enc Encoder, n int) *Limited {
	if n <= 0 {
		n = runtime.GOMAXPROCS(0)
	}
	return &Limited{Encoder: enc, sem: semaphore.NewWeighted(int64(n))}
}

// EncodeContext hashes raw once a slot is free or fails when ctx ends first.
func (l *Limited) EncodeContext(ctx context.Context, raw string) (string, error) {
	if err := l.sem.Acquire(ctx, 1); err != nil {
		return "", err
	}
	defer l.sem.Release(1)
	return l.Encoder.Encode(raw)
}

// MatchesContext verifies raw once a slot is free.
func (l *Limited) MatchesContext(ctx context.Context, raw, encoded string) (bool, error) {
	if err := l.sem.Acquire(ctx, 1); err != nil {
		return false, err
	}
	defer l.sem.Release(1)
	return l.Encoder.Matches(raw, encoded), nil
}

// Encode blocks until a slot is free.
func (l *Limited) Encode(raw string) (string, error) {
	return l.EncodeContext(context.Background(), raw)
}

func (l *Limited) Matches(raw, encoded string) bool {
	ok, _ := l.MatchesContext(context.Background(), raw, encoded)
	return ok
}
