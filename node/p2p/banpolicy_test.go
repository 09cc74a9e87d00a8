package p2p

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestClassifyError(t *testing.T) {
	cases := []struct {
		err  error
		want Violation
	}{
		{nil, ViolationNone},
		{decodeErr(CmdCmpctBlock, "x"), ViolationDecode},
		{rangeErr(CmdCmpctBlock, 1, 1), ViolationIndexOutOfRange},
		{fmt.Errorf("wrapped: %w", ErrMerkleMismatch), ViolationMerkleMismatch},
		{ErrShortResponse, ViolationShortResponse},
		{ErrHashMismatch, ViolationHashMismatch},
		{ErrTimeout, ViolationTimeout},
		{fmt.Errorf("local failure"), ViolationNone},
	}
	for _, tc := range cases {
		require.Equal(t, tc.want, ClassifyError(tc.err), "%v", tc.err)
	}
}

func TestViolationSeverity(t *testing.T) {
	for _, v := range []Violation{ViolationDecode, ViolationIndexOutOfRange, ViolationMerkleMismatch, ViolationShortResponse, ViolationInvalidBlock} {
		require.Equal(t, SeverityFatal, v.Severity(), v.String())
		require.Equal(t, BanThreshold, v.Score())
	}
	for _, v := range []Violation{ViolationHashMismatch, ViolationTimeout, ViolationStaleAnnouncement} {
		require.Equal(t, SeverityBenign, v.Severity(), v.String())
		require.Zero(t, v.Score())
	}
}

func TestBanPolicyRecord(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	p := NewBanPolicy(func() time.Time { return now })

	act := p.Record(1, ViolationTimeout)
	require.Equal(t, Action{}, act)

	act = p.Record(1, ViolationMerkleMismatch)
	require.True(t, act.Disconnect)
	require.True(t, act.Ban)
	require.Equal(t, BanThreshold, act.Score)

	// Other peers are unaffected.
	require.Zero(t, p.Score(2))
}

func TestBanPolicyProtectedPeerNotBanned(t *testing.T) {
	p := NewBanPolicy(nil)
	p.Protect(3)
	act := p.Record(3, ViolationDecode)
	require.True(t, act.Disconnect)
	require.False(t, act.Ban)
}

func TestBanPolicyFramingDeltasDecay(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	p := NewBanPolicy(func() time.Time { return now })

	for i := 0; i < 9; i++ {
		act := p.AddScore(4, 10, false)
		require.False(t, act.Disconnect)
	}
	require.Equal(t, 90, p.Score(4))

	now = now.Add(30 * time.Minute)
	require.Equal(t, 60, p.Score(4))
	act := p.AddScore(4, 10, false)
	require.False(t, act.Ban)

	act = p.AddScore(4, 30, false)
	require.True(t, act.Ban)
	require.True(t, act.Disconnect)

	p.Forget(4)
	require.Zero(t, p.Score(4))
}

func TestBanPolicyScoreDecay(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	p := NewBanPolicy(func() time.Time { return now })

	p.AddScore(5, 60, false)
	require.True(t, p.Throttled(5))

	// Partial minutes carry over.
	now = now.Add(90 * time.Second)
	require.Equal(t, 59, p.Score(5))
	now = now.Add(30 * time.Second)
	require.Equal(t, 58, p.Score(5))

	now = now.Add(8 * time.Minute)
	require.Equal(t, 50, p.Score(5))
	require.True(t, p.Throttled(5))
	now = now.Add(time.Minute)
	require.False(t, p.Throttled(5))

	// A clock step backwards never raises the score.
	now = now.Add(-time.Hour)
	require.Equal(t, 49, p.Score(5))

	now = now.Add(5 * time.Hour)
	require.Zero(t, p.Score(5))
	act := p.AddScore(5, -10, false)
	require.Zero(t, act.Score)
}
