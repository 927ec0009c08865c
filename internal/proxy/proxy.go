// Package proxy implements the balancer that owns every upstream Pool and
// downstream Client: it decides which Pool a freshly logged-in worker
// attaches to, re-routes workers whenever a Pool's active job changes, and
// periodically redistributes workers across pools by long-window hash rate.
package proxy

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/sstolzenberg/cnproxy/internal/client"
	"github.com/sstolzenberg/cnproxy/internal/hashrate"
	"github.com/sstolzenberg/cnproxy/internal/jobtemplate"
	"github.com/sstolzenberg/cnproxy/internal/pool"
	"github.com/sstolzenberg/cnproxy/internal/protocol"
	"github.com/sstolzenberg/cnproxy/internal/telemetry"
)

// DefaultRebalanceInterval is default cadence for the periodic worst-fit
// redistribution pass.
const DefaultRebalanceInterval = 20 * time.Second

// MinPoolReconnectDelay is floor on how soon a lost Pool connection may be
// retried ("simple reconnect... no exponential backoff prescribed, but a
// minimum delay of roughly one second").
const MinPoolReconnectDelay = time.Second

// rebalanceDampingAlpha is the single-pole IIR filter's smoothing factor
// applied to each worker's sampled long-window rate before it feeds the
// worst-fit assignment: the damped rate moves only this far toward the
// freshly sampled value on each rebalance pass, so one noisy sample can't
// swing an assignment on its own.
const rebalanceDampingAlpha = 0.3

// Metrics counts worker reassignments this Proxy has performed, across
// both the new-Client attach path and the periodic rebalancer.
type Metrics struct {
	reassignments prometheus.Counter
}

// NewMetrics registers the reassignment counter under name with r.
func NewMetrics(r prometheus.Registerer, name string) *Metrics {
	m := &Metrics{
		reassignments: prometheus.NewCounter(prometheus.CounterOpts{
			Name: name,
			Help: "Workers moved between pools, by new-attach or rebalance.",
		}),
	}
	r.MustRegister(m.reassignments)
	return m
}

func (m *Metrics) observe() {
	if m == nil {
		return
	}
	m.reassignments.Inc()
}

// Proxy owns every upstream Pool and every downstream Client session, and is
// the single place assignment and rebalance rules are implemented.
type Proxy struct {
	mu      sync.Mutex
	logger  *zap.Logger
	metrics *Metrics

	rebalanceInterval time.Duration

	pools      []*pool.Pool
	assignment map[*client.Session]*pool.Pool
	workers    map[*pool.Pool]map[*client.Session]struct{}
	dampedRate map[*client.Session]float64

	// OnPoolLost is invoked whenever a Pool's connection drops, after this Proxy
	// has already revoked jobs from every worker that was attached to it. The
	// caller owns reconnect scheduling.
	OnPoolLost func(p *pool.Pool)
}

// New returns a Proxy with no pools yet attached. A rebalanceInterval
// of zero falls back to DefaultRebalanceInterval.
func New(logger *zap.Logger, rebalanceInterval time.Duration) *Proxy {
	if logger == nil {
		logger = zap.NewNop()
	}
	if rebalanceInterval <= 0 {
		rebalanceInterval = DefaultRebalanceInterval
	}
	return &Proxy{
		logger:            logger.Named("proxy"),
		rebalanceInterval: rebalanceInterval,
		assignment:        make(map[*client.Session]*pool.Pool),
		workers:           make(map[*pool.Pool]map[*client.Session]struct{}),
		dampedRate:        make(map[*client.Session]float64),
	}
}

// SetMetrics installs the reassignment counter this Proxy reports
// through.
func (p *Proxy) SetMetrics(m *Metrics) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.metrics = m
}

// AddPool registers an already-dialed Pool, wiring its OnReassign and
// OnDisconnect hooks to this Proxy's bookkeeping. Call before the
// Pool's Run loop starts so no job notification races registration.
func (p *Proxy) AddPool(pl *pool.Pool) {
	pl.OnReassign = func(active *jobtemplate.Template) { p.reassignPoolWorkers(pl, active) }
	pl.OnDisconnect = func() { p.onPoolDisconnect(pl) }

	p.mu.Lock()
	p.pools = append(p.pools, pl)
	p.workers[pl] = make(map[*client.Session]struct{})
	p.mu.Unlock()
}

// NewSession builds the client.Session for a freshly accepted worker
// connection, wiring RequestJob and OnDisconnect to this Proxy. This
// is the func server.Server.NewSession is set to.
func (p *Proxy) NewSession(codec *protocol.Codec) *client.Session {
	sess := client.New(codec, p.logger, time.Now())
	sess.RequestJob = p.requestJobFor
	sess.OnDisconnect = p.onClientDisconnect
	return sess
}

// requestJobFor is the Session.RequestJob hook: if s is already attached to
// a Pool it asks that Pool's active template for a fresh Job, otherwise it
// picks a Pool by ranking rule and attaches on first success.
func (p *Proxy) requestJobFor(s *client.Session) *jobtemplate.Job {
	p.mu.Lock()
	if pl, ok := p.assignment[s]; ok {
		p.mu.Unlock()
		return p.mintFor(pl, s)
	}
	candidates := p.rankedPoolsLocked(s.Algo())
	p.mu.Unlock()

	algo := s.Algo()
	for _, pl := range candidates {
		if algo != "" && string(pl.Algorithm()) != "" && string(pl.Algorithm()) != algo {
			continue
		}
		job := p.mintFor(pl, s)
		if job == nil {
			continue // refused: not yet authenticated, or its active template can't mint a subjob
		}
		p.attach(pl, s)
		return job
	}
	return nil
}

func (p *Proxy) mintFor(pl *pool.Pool, s *client.Session) *jobtemplate.Job {
	active := pl.Active()
	if active == nil {
		return nil
	}
	job, ok := active.GetJobFor(jobtemplate.WorkerID(s.ID()), s.WorkerType())
	if !ok {
		return nil
	}
	return job
}

func (p *Proxy) attach(pl *pool.Pool, s *client.Session) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.assignment[s] = pl
	if p.workers[pl] == nil {
		p.workers[pl] = make(map[*client.Session]struct{})
	}
	p.workers[pl][s] = struct{}{}
	p.metrics.observe()
}

// rankedPoolsLocked orders pools by rule: algorithm match first, then
// weightedWorkers = numWorkers/weight ascending, then weight descending as a
// tiebreak. Callers must hold p.mu.
func (p *Proxy) rankedPoolsLocked(algo string) []*pool.Pool {
	type scored struct {
		pl              *pool.Pool
		matches         bool
		weightedWorkers float64
		weight          float64
	}

	scoredList := make([]scored, 0, len(p.pools))
	for _, pl := range p.pools {
		weight := pl.Weight()
		if weight <= 0 {
			weight = 1 // an unset weight still competes for workers as if weight 1
		}
		numWorkers := float64(len(p.workers[pl]))
		matches := algo == "" || string(pl.Algorithm()) == "" || string(pl.Algorithm()) == algo
		scoredList = append(scoredList, scored{pl: pl, matches: matches, weightedWorkers: numWorkers / weight, weight: weight})
	}

	sort.SliceStable(scoredList, func(i, j int) bool {
		if scoredList[i].matches != scoredList[j].matches {
			return scoredList[i].matches
		}
		if scoredList[i].weightedWorkers != scoredList[j].weightedWorkers {
			return scoredList[i].weightedWorkers < scoredList[j].weightedWorkers
		}
		return scoredList[i].weight > scoredList[j].weight
	})

	out := make([]*pool.Pool, len(scoredList))
	for i, sc := range scoredList {
		out[i] = sc.pl
	}
	return out
}

// reassignPoolWorkers is pl's OnReassign hook: it re-mints a Job from the
// newly activated template for every Client currently attached to pl and
// pushes it.
func (p *Proxy) reassignPoolWorkers(pl *pool.Pool, active *jobtemplate.Template) {
	p.mu.Lock()
	sessions := make([]*client.Session, 0, len(p.workers[pl]))
	for s := range p.workers[pl] {
		sessions = append(sessions, s)
	}
	p.mu.Unlock()

	for _, s := range sessions {
		job, ok := active.GetJobFor(jobtemplate.WorkerID(s.ID()), s.WorkerType())
		if !ok {
			continue
		}
		if err := s.AssignJob(job); err != nil {
			p.logger.Warn("failed to push reassigned job", zap.Error(err))
		}
	}
}

// onPoolDisconnect is pl's OnDisconnect hook: every Client that was attached
// to pl is asked to revoke its now-stale job, and pl is dropped from this
// Proxy's own worker bookkeeping. It is not removed from the pool list:
// OnPoolLost decides whether and when to reconnect it.
func (p *Proxy) onPoolDisconnect(pl *pool.Pool) {
	p.mu.Lock()
	sessions := make([]*client.Session, 0, len(p.workers[pl]))
	for s := range p.workers[pl] {
		sessions = append(sessions, s)
		delete(p.assignment, s)
	}
	p.workers[pl] = make(map[*client.Session]struct{})
	onLost := p.OnPoolLost
	p.mu.Unlock()

	for _, s := range sessions {
		s.RevokeJob()
	}
	if onLost != nil {
		onLost(pl)
	}
}

// onClientDisconnect is a Session's OnDisconnect hook: it drops the Client
// from this Proxy's registry and from whichever Pool's worker set it
// belonged to.
func (p *Proxy) onClientDisconnect(s *client.Session) {
	p.mu.Lock()
	defer p.mu.Unlock()
	pl, ok := p.assignment[s]
	delete(p.assignment, s)
	delete(p.dampedRate, s)
	if ok {
		delete(p.workers[pl], s)
	}
}

// Run drives the periodic rebalancer until ctx is cancelled.
func (p *Proxy) Run(ctx context.Context) {
	ticker := time.NewTicker(p.rebalanceInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.rebalance()
		}
	}
}

type weightedWorker struct {
	session *client.Session
	rate    float64
}

// rebalance implements worst-fit redistribution: sample every worker's long-
// window rate, damp it through a single-pole IIR filter, compute each pool's
// target share of the damped total, then assign workers in decreasing-rate
// order to whichever pool is furthest below its target.
func (p *Proxy) rebalance() {
	p.mu.Lock()
	workers := make([]weightedWorker, 0, len(p.assignment))
	for s := range p.assignment {
		sample := s.Rate().Average(hashrate.Long)
		damped, seen := p.dampedRate[s]
		if !seen {
			damped = sample
		} else {
			damped += rebalanceDampingAlpha * (sample - damped)
		}
		p.dampedRate[s] = damped
		workers = append(workers, weightedWorker{session: s, rate: damped})
	}
	pools := make([]*pool.Pool, len(p.pools))
	copy(pools, p.pools)
	p.mu.Unlock()

	p.updatePoolRates()

	if len(pools) == 0 || len(workers) == 0 {
		return
	}

	p.applyRebalance(computeWorstFit(workers, pools))
}

// updatePoolRates recomputes each Pool's aggregate Rate as the field-wise
// sum of every worker currently attached to it, "sums of HashRate are
// field-wise additive". Run on the same cadence as rebalance so a pool's
// reported rate tracks its current worker set.
func (p *Proxy) updatePoolRates() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for pl, sessions := range p.workers {
		rates := make([]*hashrate.Rate, 0, len(sessions))
		for s := range sessions {
			rates = append(rates, s.Rate())
		}
		pl.Rate = hashrate.Merge(rates...)
	}
}

// computeWorstFit is the pure assignment math behind periodic rebalance:
// each pool's target share of the total sampled rate is totalRate * (weight
// / sum-of-weights); workers are walked in decreasing-rate order and each
// goes to whichever pool is currently furthest below its target. It does no
// I/O, so it is safe to call against pools that have never been dialed.
func computeWorstFit(workers []weightedWorker, pools []*pool.Pool) map[*client.Session]*pool.Pool {
	totalWeight := 0.0
	for _, pl := range pools {
		w := pl.Weight()
		if w <= 0 {
			w = 1
		}
		totalWeight += w
	}
	if totalWeight <= 0 {
		return nil
	}

	var totalRate float64
	for _, w := range workers {
		totalRate += w.rate
	}

	remaining := make(map[*pool.Pool]float64, len(pools))
	for _, pl := range pools {
		w := pl.Weight()
		if w <= 0 {
			w = 1
		}
		remaining[pl] = totalRate * (w / totalWeight)
	}

	sorted := make([]weightedWorker, len(workers))
	copy(sorted, workers)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].rate > sorted[j].rate })

	assignment := make(map[*client.Session]*pool.Pool, len(sorted))
	for _, w := range sorted {
		best := pools[0]
		for _, pl := range pools[1:] {
			if remaining[pl] > remaining[best] {
				best = pl
			}
		}
		assignment[w.session] = best
		remaining[best] -= w.rate
	}
	return assignment
}

type pendingMove struct {
	session  *client.Session
	from, to *pool.Pool
}

func (p *Proxy) applyRebalance(assignment map[*client.Session]*pool.Pool) {
	p.mu.Lock()
	moves := make([]pendingMove, 0, len(assignment))
	for s, to := range assignment {
		from := p.assignment[s]
		if from == to {
			continue
		}
		moves = append(moves, pendingMove{session: s, from: from, to: to})
	}
	p.mu.Unlock()

	for _, mv := range moves {
		job := p.mintFor(mv.to, mv.session)
		if job == nil {
			continue // target pool has nothing to hand out yet; leave the worker where it is
		}
		if err := mv.session.AssignJob(job); err != nil {
			p.logger.Warn("failed to push rebalanced job", zap.Error(err))
			continue
		}

		p.mu.Lock()
		if mv.from != nil && p.workers[mv.from] != nil {
			delete(p.workers[mv.from], mv.session)
		}
		p.assignment[mv.session] = mv.to
		if p.workers[mv.to] == nil {
			p.workers[mv.to] = make(map[*client.Session]struct{})
		}
		p.workers[mv.to][mv.session] = struct{}{}
		m := p.metrics
		p.mu.Unlock()

		m.observe()
	}
}

// Statuses assembles one telemetry.ClientStatus per currently attached
// Client, pairing each Session's own Stats snapshot with the pool
// context (host, algorithm) only this registry knows. Set as a
// telemetry.Reporter's Sources func so that package never needs to
// import proxy or client directly.
func (p *Proxy) Statuses(now time.Time) []telemetry.ClientStatus {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]telemetry.ClientStatus, 0, len(p.assignment))
	for s, pl := range p.assignment {
		stats := s.Stats(now)
		out = append(out, telemetry.ClientStatus{
			ClientID:        stats.ID,
			CurrentStatus:   "RUNNING",
			CurrentPool:     pl.Host(),
			CurrentAlgoName: string(pl.Algorithm()),
			HashRateShort:   stats.HashRate.Average(hashrate.Short),
			HashRateMedium:  stats.HashRate.Average(hashrate.Medium),
			HashRateLong:    stats.HashRate.Average(hashrate.Long),
			HashRateHighest: stats.HashRate.Average(hashrate.Highest),
			SharesGood:      stats.GoodSubmits,
			SharesTotal:     stats.GoodSubmits + stats.BadSubmits + stats.StaleSubmits,
			HashesTotal:     uint64(stats.HashRate.TotalHashes()),
			Uptime:          int64(stats.Uptime.Seconds()),
		})
	}
	return out
}

// WorkerCount reports how many Clients pl currently has attached, for
// tests and operator introspection.
func (p *Proxy) WorkerCount(pl *pool.Pool) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.workers[pl])
}
