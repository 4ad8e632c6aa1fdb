package password

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

func TestBCryptRoundTrip(t *testing.T) {
	enc, err := NewBCrypt(bcrypt.MinCost)
	require.NoError(t, err)

	h1, err := enc.Encode("hunter2-loan")
	require.NoError(t, err)
	h2, err := enc.Encode("hunter2-loan")
	require.NoError(t, err)

	assert.NotEqual(t, h1, h2, "hashes must be salted")
	assert.True(t, strings.HasPrefix(h1, "$2a$04$"))
	assert.True(t, enc.Matches("hunter2-loan", h1))
	assert.True(t, enc.Matches("hunter2-loan", h2))
	assert.False(t, enc.Matches("hunter3-loan", h1))
	assert.False(t, enc.Matches("hunter2-loan", ""))
	assert.False(t, enc.Matches("hunter2-loan", "not-a-hash"))
}

func TestNewBCryptCostBounds(t *testing.T) {
	_, err := NewBCrypt(bcrypt.MinCost - 1)
	assert.Error(t, err)
	_, err = NewBCrypt(bcrypt.MaxCost + 1)
	assert.Error(t, err)

	enc, err := NewBCrypt(DefaultCost)
	require.NoError(t, err)
	assert.Equal(t, 10, enc.Cost())
}

func TestBCryptRejectsLongPasswords(t *testing.T) {
	enc, err := NewBCrypt(bcrypt.MinCost)
	require.NoError(t, err)

	long := strings.Repeat("a", 73)
	_, err = enc.Encode(long)
	assert.ErrorIs(t, err, ErrPasswordTooLong)

	h, err := enc.Encode(long[:72])
	require.NoError(t, err)
	assert.False(t, enc.Matches(long, h))
}

func TestUpgradeEncoding(t *testing.T) {
	weak, err := NewBCrypt(bcrypt.MinCost)
	require.NoError(t, err)
	stronger, err := NewBCrypt(bcrypt.MinCost + 1)
	require.NoError(t, err)

	h, err := weak.Encode("s3cret")
	require.NoError(t, err)

	assert.False(t, weak.UpgradeEncoding(h))
	assert.True(t, stronger.UpgradeEncoding(h))
	assert.False(t, stronger.UpgradeEncoding("garbage"))
	assert.True(t, stronger.Matches("s3cret", h), "older cost still verifies")
}

type slowEncoder struct {
	active, peak atomic.Int32
}

func (s *slowEncoder) Encode(raw string) (string, error) {
	n := s.active.Add(1)
	defer s.active.Add(-1)
	for {
		p := s.peak.Load()
		if n <= p || s.peak.CompareAndSwap(p, n) {
			break
		}
	}
	time.Sleep(5 * time.Millisecond)
	return "h:" + raw, nil
}

func (s *slowEncoder) Matches(raw, encoded string) bool { return encoded == "h:"+raw }
func (s *slowEncoder) UpgradeEncoding(string) bool      { return false }

func TestLimitedBoundsConcurrency(t *testing.T) {
	inner := &slowEncoder{}
	l := NewLimited(inner, 2)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := l.Encode("pw")
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.LessOrEqual(t, inner.peak.Load(), int32(2))
	assert.True(t, l.Matches("pw", "h:pw"))
	assert.False(t, l.UpgradeEncoding("h:pw"))
}

func TestLimitedHonoursContext(t *testing.T) {
	l := NewLimited(&slowEncoder{}, 1)
	require.NoError(t, l.sem.Acquire(context.Background(), 1))
	defer l.sem.Release(1)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := l.EncodeContext(ctx, "pw")
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	ok, err := l.MatchesContext(ctx, "pw", "h:pw")
	assert.Error(t, err)
	assert.False(t, ok)
}
