package ledger

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLedgerSetReplacesInPlace(t *testing.T) {
	l := NewLedger()
	l.Set("u1", "t1", VoteRecord{CandidateID: "A"})
	l.Set("u1", "t1", VoteRecord{CandidateID: "B"})

	rec, ok := l.Get("u1", "t1")
	require.True(t, ok)
	assert.Equal(t, "B", rec.CandidateID)
	assert.Equal(t, "u1", rec.UserID)
	assert.Equal(t, "t1", rec.TopicID)
	assert.Equal(t, 1, l.Len())
}

func TestLedgerRemove(t *testing.T) {
	l := NewLedger()
	_, ok := l.Remove("u1", "t1")
	assert.False(t, ok)

	l.Set("u1", "t1", VoteRecord{CandidateID: "A"})
	removed, ok := l.Remove("u1", "t1")
	require.True(t, ok)
	assert.Equal(t, "A", removed.CandidateID)

	_, ok = l.Get("u1", "t1")
	assert.False(t, ok)
	assert.Zero(t, l.Len())
}

func TestVotersForTopicIsRestartable(t *testing.T) {
	l := NewLedger()
	l.Set("u2", "t1", VoteRecord{CandidateID: "B"})
	l.Set("u1", "t1", VoteRecord{CandidateID: "A"})
	l.Set("u3", "t1", VoteRecord{CandidateID: "A"})
	l.Set("u1", "t2", VoteRecord{CandidateID: "Z"})

	seq := l.VotersForTopic("t1")
	collect := func() []string {
		var users []string
		for userID := range seq {
			users = append(users, userID)
		}
		return users
	}
	assert.Equal(t, []string{"u1", "u2", "u3"}, collect())
	assert.Equal(t, []string{"u1", "u2", "u3"}, collect())

	var forA []string
	for userID := range l.VotersForCandidate("t1", "A") {
		forA = append(forA, userID)
	}
	assert.Equal(t, []string{"u1", "u3"}, forA)
	assert.Equal(t, []string{"t1", "t2"}, l.Topics())
}

func TestVotersForTopicSeesWritesDuringIteration(t *testing.T) {
	l := NewLedger()
	l.Set("u1", "t1", VoteRecord{CandidateID: "A"})
	l.Set("u2", "t1", VoteRecord{CandidateID: "A"})

	var seen []string
	for userID, rec := range l.VotersForTopic("t1") {
		seen = append(seen, userID+":"+rec.CandidateID)
		if userID == "u1" {
			l.Set("u2", "t1", VoteRecord{CandidateID: "B"})
		}
	}
	assert.Equal(t, []string{"u1:A", "u2:B"}, seen)
}

func TestUpdateAnchorIgnoresStaleCandidate(t *testing.T) {
	l := NewLedger()
	l.Set("u1", "t1", VoteRecord{CandidateID: "B", Status: StatusPending})

	_, ok := l.UpdateAnchor("u1", "t1", "A", StatusCommitted, "abc")
	assert.False(t, ok)
	updated, ok := l.UpdateAnchor("u1", "t1", "B", StatusCommitted, "abc")
	assert.True(t, ok)
	assert.Equal(t, "abc", updated.CommitRef)

	rec, _ := l.Get("u1", "t1")
	assert.Equal(t, updated, rec)

	l.Remove("u1", "t1")
	_, ok = l.UpdateAnchor("u1", "t1", "B", StatusCommitted, "def")
	assert.False(t, ok)
	_, exists := l.Get("u1", "t1")
	assert.False(t, exists)
}

func TestClampReliability(t *testing.T) {
	assert.Equal(t, 0.0, ClampReliability(-1))
	assert.Equal(t, 1.0, ClampReliability(3))
	assert.Equal(t, 0.4, ClampReliability(0.4))
	assert.Equal(t, 0.0, ClampReliability(math.NaN()))
}

func fixedClock() func() time.Time {
	ts := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	return func() time.Time { return ts }
}

func TestTallyApplyRespectsBaseFloor(t *testing.T) {
	tally := NewTally().WithClock(fixedClock())
	require.NoError(t, tally.SeedBase("t1", map[string]int{"A": 2}))

	totals := tally.Get("t1")
	assert.Equal(t, 2, totals.TotalVotes)

	// A is already at its base: decrementing must not go below 2.
	totals = tally.Apply("t1", "A", "B", 0)
	assert.Equal(t, 2, totals.Candidates["A"])
	assert.Equal(t, 1, totals.Candidates["B"])

	totals = tally.Apply("t1", "", "A", 1)
	assert.Equal(t, 3, totals.Candidates["A"])
	totals = tally.Apply("t1", "A", "", -1)
	assert.Equal(t, 2, totals.Candidates["A"])
}

func TestTallyApplyNeverNegative(t *testing.T) {
	tally := NewTally()
	totals := tally.Apply("t1", "A", "", -1)
	assert.Zero(t, totals.TotalVotes)
	assert.Zero(t, totals.Candidates["A"])
}

func TestSeedBaseIsImmutable(t *testing.T) {
	tally := NewTally()
	require.NoError(t, tally.SeedBase("t1", map[string]int{"A": 1}))
	err := tally.SeedBase("t1", map[string]int{"A": 5, "B": 1})
	require.ErrorIs(t, err, ErrBaseCountExists)
	assert.Equal(t, 1, tally.Base("t1", "A"))
	assert.Zero(t, tally.Base("t1", "B"))

	require.Error(t, tally.SeedBase("t1", map[string]int{"C": -1}))
}

func TestRebuildMatchesIncremental(t *testing.T) {
	base := map[string]int{"A": 3, "C": 1}

	l := NewLedger()
	incremental := NewTally()
	require.NoError(t, incremental.SeedBase("t1", base))

	type step struct{ user, candidate string }
	steps := []step{{"u1", "A"}, {"u2", "B"}, {"u1", "B"}, {"u3", "C"}, {"u2", "A"}, {"u4", "B"}}
	for _, s := range steps {
		prev, had := l.Get(s.user, "t1")
		switch {
		case had && prev.CandidateID == s.candidate:
		case had:
			incremental.Apply("t1", prev.CandidateID, s.candidate, 0)
		default:
			incremental.Apply("t1", "", s.candidate, 1)
		}
		l.Set(s.user, "t1", VoteRecord{CandidateID: s.candidate})
	}
	// u3 revokes
	if rec, ok := l.Remove("u3", "t1"); ok {
		incremental.Apply("t1", rec.CandidateID, "", -1)
	}

	rebuilt := NewTally()
	require.NoError(t, rebuilt.SeedBase("t1", base))
	got := rebuilt.Rebuild("t1", l.VotersForTopic("t1"))

	want := incremental.Get("t1")
	assert.True(t, got.SameCounts(want), "rebuilt %+v, incremental %+v", got, want)
	assert.Equal(t, HashTotals(want), HashTotals(got))
	assert.Equal(t, got.TotalVotes, got.CandidateSum())
}

func TestCheckerVerify(t *testing.T) {
	l := NewLedger()
	tally := NewTally()
	checker := NewChecker(l, tally)

	l.Set("u1", "t1", VoteRecord{CandidateID: "A"})
	tally.Apply("t1", "", "A", 1)
	report := checker.Verify("t1")
	assert.True(t, report.Valid)
	assert.Zero(t, report.Difference)

	// Corrupt the cache: total moves without any candidate.
	tally.Apply("t1", "", "", 1)
	report = checker.Verify("t1")
	assert.False(t, report.Valid)
	assert.Equal(t, 1, report.Difference)

	lr := checker.VerifyAgainstLedger("t1")
	assert.False(t, lr.Consistent())
	assert.Equal(t, 1, lr.ExpectedTotal)
}

func TestCheckerDetectsDrift(t *testing.T) {
	l := NewLedger()
	tally := NewTally()
	checker := NewChecker(l, tally)

	l.Set("u1", "t1", VoteRecord{CandidateID: "A"})
	tally.Apply("t1", "", "B", 1)

	lr := checker.VerifyAgainstLedger("t1")
	assert.True(t, lr.Valid)
	require.Len(t, lr.Drift, 2)
	assert.Equal(t, Drift{CandidateID: "A", Cached: 0, Expected: 1}, lr.Drift[0])
	assert.Equal(t, Drift{CandidateID: "B", Cached: 1, Expected: 0}, lr.Drift[1])
}

func TestHashTotalsIsOrderIndependent(t *testing.T) {
	a := Totals{TotalVotes: 3, Candidates: map[string]int{"A": 1, "B": 2}}
	b := Totals{TotalVotes: 3, Candidates: map[string]int{"B": 2, "A": 1, "C": 0}}
	assert.Equal(t, HashTotals(a), HashTotals(b))

	c := Totals{TotalVotes: 3, Candidates: map[string]int{"A": 2, "B": 1}}
	assert.NotEqual(t, HashTotals(a), HashTotals(c))
}
