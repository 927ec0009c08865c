package proxy

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sstolzenberg/cnproxy/internal/client"
	"github.com/sstolzenberg/cnproxy/internal/cryptonight"
	"github.com/sstolzenberg/cnproxy/internal/hashrate"
	"github.com/sstolzenberg/cnproxy/internal/jobtemplate"
	"github.com/sstolzenberg/cnproxy/internal/pool"
	"github.com/sstolzenberg/cnproxy/internal/protocol"
)

// newSession builds a logged-in client.Session with no RequestJob/
// OnDisconnect wiring yet, so tests can attach their own.
func newSession(t *testing.T) *client.Session {
	t.Helper()
	workerSide, serverSide := net.Pipe()
	t.Cleanup(func() { workerSide.Close(); serverSide.Close() })

	s := client.New(protocol.NewCodec(serverSide), zap.NewNop(), time.Now())
	fake := protocol.NewCodec(workerSide)

	params, err := json.Marshal(protocol.LoginParams{Login: "wallet", Agent: "xmrig/6.0"})
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = fake.ReadFrame()
	}()
	require.NoError(t, s.Dispatch(protocol.Request{ID: 1, Method: protocol.MethodLogin, Params: params}))
	<-done
	return s
}

// newDialedPool starts a loopback listener standing in for an upstream
// pool, answers the login with an immediate, always-winnable job, and
// returns a live *pool.Pool whose Active() is populated.
func newDialedPool(t *testing.T, weight float64, algo cryptonight.Variant) *pool.Pool {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		codec := protocol.NewCodec(conn)
		req, err := codec.ReadRequest()
		if err != nil {
			return
		}
		raw := make([]byte, 76)
		job, _ := json.Marshal(protocol.LoginResult{
			ID:     "sess-1",
			Status: "OK",
			Job: &protocol.JobParams{
				Blob:   hex.EncodeToString(raw),
				JobID:  "job-1",
				Target: "ffffffff",
				ID:     "sess-1",
			},
		})
		_ = codec.WriteResponse(protocol.Response{ID: req.ID, Result: json.RawMessage(job)})
		for {
			if _, err := codec.ReadRequest(); err != nil {
				return
			}
		}
	}()

	host, portStr, err := net.SplitHostPort(ln.Addr().String())
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)

	p := pool.New(pool.Config{Host: host, Port: port, Weight: weight, Algorithm: algo, DialTimeout: time.Second}, nil, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	require.NoError(t, p.Dial(ctx))
	go p.Run(ctx)

	require.Eventually(t, func() bool { return p.Active() != nil }, time.Second, 5*time.Millisecond)
	return p
}

func TestRankedPoolsOrdersByAlgorithmThenWeightedWorkersThenWeight(t *testing.T) {
	p := New(zap.NewNop(), time.Hour)

	mismatched := pool.New(pool.Config{Weight: 1, Algorithm: cryptonight.VariantV1}, nil, zap.NewNop())
	busy := pool.New(pool.Config{Weight: 1, Algorithm: cryptonight.VariantV0}, nil, zap.NewNop())
	idle := pool.New(pool.Config{Weight: 2, Algorithm: cryptonight.VariantV0}, nil, zap.NewNop())
	p.AddPool(mismatched)
	p.AddPool(busy)
	p.AddPool(idle)

	// Give "busy" two workers already, so its weightedWorkers (2/1=2) is
	// worse than "idle"'s (0/2=0).
	s1, s2 := newSession(t), newSession(t)
	p.attach(busy, s1)
	p.attach(busy, s2)

	p.mu.Lock()
	ranked := p.rankedPoolsLocked(string(cryptonight.VariantV0))
	p.mu.Unlock()
	require.Len(t, ranked, 3)
	require.Equal(t, idle, ranked[0], "least weightedWorkers among algorithm-matching pools goes first")
	require.Equal(t, busy, ranked[1])
	require.Equal(t, mismatched, ranked[2], "algorithm mismatch is always ranked last")
}

func TestRequestJobForAttachesToAMatchingPoolAndMintsAJob(t *testing.T) {
	p := New(zap.NewNop(), time.Hour)
	pl := newDialedPool(t, 1, cryptonight.VariantV0)
	p.AddPool(pl)

	s := newSession(t)
	job := p.requestJobFor(s)
	require.NotNil(t, job)

	require.Equal(t, pl, p.assignment[s])
	require.Equal(t, 1, p.WorkerCount(pl))

	// A second call for an already-attached session goes straight back
	// to the same pool rather than re-ranking.
	job2 := p.requestJobFor(s)
	require.NotNil(t, job2)
	require.Equal(t, pl, p.assignment[s])
}

func TestOnPoolDisconnectRevokesAttachedWorkersAndClearsRegistry(t *testing.T) {
	p := New(zap.NewNop(), time.Hour)
	pl := pool.New(pool.Config{Weight: 1, Algorithm: cryptonight.VariantV0}, nil, zap.NewNop())
	p.AddPool(pl)

	s := newSession(t)
	p.attach(pl, s)

	requested := 0
	s.RequestJob = func(sess *client.Session) *jobtemplate.Job {
		requested++
		return nil
	}

	p.onPoolDisconnect(pl)

	require.Equal(t, 1, requested, "a lost pool asks every attached worker to revoke, which re-requests a job")
	require.Equal(t, 0, p.WorkerCount(pl))
	_, stillAssigned := p.assignment[s]
	require.False(t, stillAssigned)
}

func TestOnClientDisconnectRemovesFromRegistryAndPoolWorkerSet(t *testing.T) {
	p := New(zap.NewNop(), time.Hour)
	pl := pool.New(pool.Config{Weight: 1, Algorithm: cryptonight.VariantV0}, nil, zap.NewNop())
	p.AddPool(pl)

	s := newSession(t)
	p.attach(pl, s)
	require.Equal(t, 1, p.WorkerCount(pl))

	p.onClientDisconnect(s)
	require.Equal(t, 0, p.WorkerCount(pl))
	_, stillAssigned := p.assignment[s]
	require.False(t, stillAssigned)
}

// TestComputeWorstFitBalancesByWeightedTargetRate covers rebalance scenario:
// a pool with twice the weight of another should end up carrying roughly
// twice the sampled hash rate.
func TestComputeWorstFitBalancesByWeightedTargetRate(t *testing.T) {
	heavy := pool.New(pool.Config{Weight: 2}, nil, zap.NewNop())
	light := pool.New(pool.Config{Weight: 1}, nil, zap.NewNop())
	pools := []*pool.Pool{heavy, light}

	now := time.Now()
	mk := func(rate float64) weightedWorker {
		s := newSessionWithoutLogin(t, now)
		s.Rate().AddHashRate(rate, now.Add(25*time.Hour))
		return weightedWorker{session: s, rate: s.Rate().Average(hashrate.Long)}
	}
	workers := []weightedWorker{mk(500), mk(400), mk(300), mk(200), mk(100)}

	assignment := computeWorstFit(workers, pools)
	require.Len(t, assignment, 5)

	var heavyRate, lightRate float64
	for _, w := range workers {
		if assignment[w.session] == heavy {
			heavyRate += w.rate
		} else {
			lightRate += w.rate
		}
	}
	require.Greater(t, heavyRate, lightRate, "the double-weight pool should carry more of the sampled rate")
}

func newSessionWithoutLogin(t *testing.T, now time.Time) *client.Session {
	t.Helper()
	_, serverSide := net.Pipe()
	t.Cleanup(func() { serverSide.Close() })
	return client.New(protocol.NewCodec(serverSide), zap.NewNop(), now)
}

// TestRebalanceDampsSampledRateAcrossPasses covers the single-pole IIR
// filter rebalance applies to each worker's sampled long-window rate: a
// sudden jump in the raw sample should only partly show up in the rate fed
// to worst-fit on the very next pass.
func TestRebalanceDampsSampledRateAcrossPasses(t *testing.T) {
	p := New(zap.NewNop(), time.Hour)
	pl := pool.New(pool.Config{Weight: 1}, nil, zap.NewNop())
	p.AddPool(pl)

	now := time.Now()
	s := newSessionWithoutLogin(t, now)
	s.Rate().AddHashRate(100, now.Add(25*time.Hour))
	p.attach(pl, s)

	p.rebalance()
	require.InDelta(t, 100, p.dampedRate[s], 0.001, "first pass has no history to damp against")

	s.Rate().AddHashRate(900, now.Add(26*time.Hour))
	raw := s.Rate().Average(hashrate.Long)
	p.rebalance()

	require.Less(t, p.dampedRate[s], raw, "a damped sample moves only partway toward the freshly sampled rate")
	require.Greater(t, p.dampedRate[s], 100.0, "the damped sample still moves toward the new rate")
}

// TestUpdatePoolRatesMergesAttachedWorkerRates covers rebalance's side
// effect of keeping each Pool's aggregate Rate current.
func TestUpdatePoolRatesMergesAttachedWorkerRates(t *testing.T) {
	p := New(zap.NewNop(), time.Hour)
	pl := pool.New(pool.Config{Weight: 1}, nil, zap.NewNop())
	p.AddPool(pl)

	now := time.Now()
	s1 := newSessionWithoutLogin(t, now)
	s1.Rate().AddHashRate(100, now.Add(25*time.Hour))
	s2 := newSessionWithoutLogin(t, now)
	s2.Rate().AddHashRate(50, now.Add(25*time.Hour))
	p.attach(pl, s1)
	p.attach(pl, s2)

	p.updatePoolRates()

	require.InDelta(t, s1.Rate().Average(hashrate.Long)+s2.Rate().Average(hashrate.Long),
		pl.Rate.Average(hashrate.Long), 0.001)
}

func TestStatusesReportsOnlyAttachedSessionsWithPoolContext(t *testing.T) {
	p := New(zap.NewNop(), time.Hour)
	pl := newDialedPool(t, 1, cryptonight.VariantV0)
	p.AddPool(pl)

	s := newSession(t)
	job := p.requestJobFor(s)
	require.NotNil(t, job)

	statuses := p.Statuses(time.Now())
	require.Len(t, statuses, 1)
	require.Equal(t, pl.Host(), statuses[0].CurrentPool)
	require.Equal(t, string(cryptonight.VariantV0), statuses[0].CurrentAlgoName)
	require.Equal(t, "RUNNING", statuses[0].CurrentStatus)
}
