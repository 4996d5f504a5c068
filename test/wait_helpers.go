package test

import (
	"testing"
	"time"

	"github.com/ueisele/vraft"
)

// WaitForCondition polls condition until it holds or the timeout expires.
func WaitForCondition(t testing.TB, condition func() bool, timeout time.Duration, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("Condition not met within timeout: %s", msg)
}

// WaitForLeader waits until exactly one running replica leads the highest
// term and returns it.
func WaitForLeader(t testing.TB, c *Cluster, timeout time.Duration) int {
	t.Helper()
	leader := -1
	WaitForCondition(t, func() bool {
		i, ok := c.Leader()
		if !ok {
			return false
		}
		if len(c.Leaders()[c.Status(i).Term]) != 1 {
			return false
		}
		leader = i
		return true
	}, timeout, "leader election")
	return leader
}

// WaitForNoLeader waits until no running replica believes it leads.
func WaitForNoLeader(t testing.TB, c *Cluster, timeout time.Duration) {
	t.Helper()
	WaitForCondition(t, func() bool {
		_, ok := c.Leader()
		return !ok
	}, timeout, "no leader")
}

// WaitForTerm waits for replica i to reach at least term.
func WaitForTerm(t testing.TB, c *Cluster, i int, term uint64, timeout time.Duration) {
	t.Helper()
	WaitForCondition(t, func() bool { return c.Status(i).Term >= term }, timeout, "term")
}

// Converged reports whether the given replicas hold identical logs and
// agree on the commit point.
func Converged(c *Cluster, nodes []int) bool {
	var first *vraft.Status
	for _, i := range nodes {
		s := c.Status(i)
		if first == nil {
			first = &s
			continue
		}
		if s.LastIndex != first.LastIndex || s.LastTerm != first.LastTerm ||
			s.LastChk != first.LastChk || s.CommitIndex != first.CommitIndex {
			return false
		}
	}
	return true
}

// WaitForConvergence waits until every running replica holds the same log.
func WaitForConvergence(t testing.TB, c *Cluster, timeout time.Duration) {
	t.Helper()
	WaitForCondition(t, func() bool { return Converged(c, c.Running()) }, timeout, "log convergence")
}

// WaitForCommit waits until every running replica committed index.
func WaitForCommit(t testing.TB, c *Cluster, index uint64, timeout time.Duration) {
	t.Helper()
	WaitForCondition(t, func() bool {
		for _, i := range c.Running() {
			if c.Status(i).CommitIndex < index {
				return false
			}
		}
		return true
	}, timeout, "commit")
}

// WaitForApplied waits until replica i applied count values.
func WaitForApplied(t testing.TB, c *Cluster, i, count int, timeout time.Duration) {
	t.Helper()
	WaitForCondition(t, func() bool { return len(c.Values(i)) >= count }, timeout, "apply")
}

// RequireElectionSafety fails unless every term saw at most one leader over
// the whole run.
func RequireElectionSafety(t testing.TB, c *Cluster) {
	t.Helper()
	for term, leaders := range c.Net.LeadersByTerm() {
		if len(leaders) > 1 {
			t.Fatalf("term %d had %d leaders: %v", term, len(leaders), leaders)
		}
	}
}
