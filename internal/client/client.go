// Package client implements the downstream worker Session: login handshake,
// per-worker vardiff, and share gating. A Session owns exactly one worker
// connection; the Proxy that accepts the connection wires RequestJob and
// OnDisconnect and feeds inbound requests to Dispatch.
package client

import (
	"encoding/hex"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/sstolzenberg/cnproxy/internal/hashrate"
	"github.com/sstolzenberg/cnproxy/internal/jobtemplate"
	"github.com/sstolzenberg/cnproxy/internal/protocol"
	"github.com/sstolzenberg/cnproxy/internal/target"
)

// State is a worker Session's connection lifecycle.
type State int32

const (
	StateConnected State = iota
	StateLoggedIn
	StateBusy
	StateDisconnected
)

func (s State) String() string {
	switch s {
	case StateConnected:
		return "connected"
	case StateLoggedIn:
		return "logged_in"
	case StateBusy:
		return "busy"
	case StateDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// DefaultTargetSecondsBetweenSubmits is default pacing target for the per-
// worker difficulty loop.
const DefaultTargetSecondsBetweenSubmits = 15 * time.Second

// MinSessionAgeForRetarget is how long a session must stay open before its
// own hash rate estimate is trusted to set its difficulty, so the first few
// shares after login don't swing the target.
const MinSessionAgeForRetarget = 10 * time.Second

// Metrics counts submit verdicts this Session's worker produces, labeled by
// outcome.
type Metrics struct {
	shares *prometheus.CounterVec
}

// NewMetrics registers the submit-outcome counter under name with r.
func NewMetrics(r prometheus.Registerer, name string) *Metrics {
	m := &Metrics{
		shares: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: name,
			Help: "Worker submit outcomes by verdict.",
		}, []string{"result"}),
	}
	r.MustRegister(m.shares)
	return m
}

func (m *Metrics) observe(result string) {
	if m == nil {
		return
	}
	m.shares.WithLabelValues(result).Inc()
}

type shareKey struct {
	jobID string
	nonce uint32
}

// Session is one worker's stratum connection: its login identity, its
// currently assigned Job, its own four-window hash rate estimate and the
// difficulty it last announced to the worker.
type Session struct {
	mu sync.Mutex

	id      string
	codec   *protocol.Codec
	logger  *zap.Logger
	metrics *Metrics

	targetSecondsBetweenSubmits time.Duration

	state      State
	login      string
	algo       string
	workerType jobtemplate.WorkerType

	createdAt time.Time
	rate      *hashrate.Rate

	currentJob          *jobtemplate.Job
	announcedDifficulty uint32
	seen                map[shareKey]struct{}

	// Cumulative submit counters and connection age, surfaced through Stats for
	// the proxy's remote-control telemetry reporting.
	goodSubmits, badSubmits, staleSubmits uint64

	// RequestJob is asked for a fresh Job whenever this session needs
	// one: right after login, and again after RevokeJob clears a stale
	// one. It returns nil if no pool has a job ready yet.
	RequestJob func(s *Session) *jobtemplate.Job

	// OnDisconnect is invoked once this session's connection is gone, so the
	// owning Proxy can drop it from every registry.
	OnDisconnect func(s *Session)

	closeOnce sync.Once
}

// New returns a Session bound to codec, not yet logged in.
func New(codec *protocol.Codec, logger *zap.Logger, now time.Time) *Session {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Session{
		codec:                       codec,
		logger:                      logger.Named("client"),
		targetSecondsBetweenSubmits: DefaultTargetSecondsBetweenSubmits,
		createdAt:                   now,
		rate:                        hashrate.New(now),
		seen:                        make(map[shareKey]struct{}),
	}
}

// SetMetrics installs the counter vector this Session reports submit
// outcomes to.
func (s *Session) SetMetrics(m *Metrics) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.metrics = m
}

// ID returns the session UUID minted at login, or "" before login.
func (s *Session) ID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.id
}

// State reports the session's current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// WorkerType reports whether this session logged in as a plain miner or as a
// nested proxy.
func (s *Session) WorkerType() jobtemplate.WorkerType {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.workerType
}

// Rate returns this session's four-window hash rate estimator.
func (s *Session) Rate() *hashrate.Rate { return s.rate }

// Login returns the wallet/login string the worker authenticated with.
func (s *Session) Login() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.login
}

// Algo returns the algorithm the worker asked for at login, or "" if it
// didn't express a preference. The Proxy ranks candidate Pools on this when
// choosing where to attach a new Client.
func (s *Session) Algo() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.algo
}

// Dispatch decodes and handles one inbound request, writing whatever
// response or error the stratum taxonomy calls for.
func (s *Session) Dispatch(req protocol.Request) error {
	switch req.Method {
	case protocol.MethodLogin:
		return s.handleLogin(req)
	case protocol.MethodSubmit:
		return s.handleSubmit(req)
	case protocol.MethodKeepalived:
		return s.handleKeepalived(req)
	default:
		return s.codec.WriteResponse(protocol.Response{ID: req.ID, Error: protocol.NewError(-1, protocol.ErrInvalidMethod)})
	}
}

func (s *Session) handleLogin(req protocol.Request) error {
	params, err := protocol.ParseLoginParams(req.Params)
	if err != nil {
		return s.codec.WriteResponse(protocol.Response{ID: req.ID, Error: protocol.NewError(-1, protocol.ErrInvalidParams)})
	}
	if params.Login == "" {
		return s.codec.WriteResponse(protocol.Response{ID: req.ID, Error: protocol.NewError(-1, protocol.ErrMissingLogin)})
	}

	s.mu.Lock()
	s.id = uuid.NewString()
	s.login = params.Login
	s.algo = params.Algo
	if strings.Contains(params.Agent, "xmr-node-proxy") {
		s.workerType = jobtemplate.WorkerProxy
	} else {
		s.workerType = jobtemplate.WorkerMiner
	}
	s.state = StateLoggedIn
	s.mu.Unlock()

	result := protocol.LoginResult{ID: s.ID(), Status: "OK"}
	if job := s.requestJob(); job != nil {
		result.Job = s.activateAndDescribe(job)
	}
	return s.codec.WriteResponse(protocol.Response{ID: req.ID, Result: result})
}

func (s *Session) handleKeepalived(req protocol.Request) error {
	var params struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return s.codec.WriteResponse(protocol.Response{ID: req.ID, Error: protocol.NewError(-1, protocol.ErrInvalidParams)})
	}
	if params.ID != s.ID() {
		return s.codec.WriteResponse(protocol.Response{ID: req.ID, Error: protocol.NewError(-1, protocol.ErrUnauthenticated)})
	}
	return s.codec.WriteResponse(protocol.Response{ID: req.ID, Result: protocol.StatusResult{Status: "KEEPALIVED"}})
}

// handleSubmit implements submit rules in order: authentication, job
// freshness, duplicate detection, then the resultDifficulty gate against
// this worker's own announced difficulty. A share that clears the gate is
// acknowledged immediately and only forwarded upstream if it also clears the
// job's own (typically much higher) difficulty.
func (s *Session) handleSubmit(req protocol.Request) error {
	s.mu.Lock()
	s.state = StateBusy
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		if s.state == StateBusy {
			s.state = StateLoggedIn
		}
		s.mu.Unlock()
	}()

	params, err := protocol.ParseSubmitParams(req.Params)
	if err != nil {
		return s.codec.WriteResponse(protocol.Response{ID: req.ID, Error: protocol.NewError(-1, protocol.ErrInvalidParams)})
	}

	s.mu.Lock()
	sessionID := s.id
	job := s.currentJob
	announced := s.announcedDifficulty
	s.mu.Unlock()

	if params.ID != sessionID {
		s.count("unauthenticated")
		return s.codec.WriteResponse(protocol.Response{ID: req.ID, Error: protocol.NewError(-1, protocol.ErrUnauthenticated)})
	}
	if job == nil || params.JobID != job.JobIdentifier {
		s.count("invalid_job_id")
		return s.codec.WriteResponse(protocol.Response{ID: req.ID, Error: protocol.NewError(-1, protocol.ErrInvalidJobID)})
	}

	nonceBytes, err := hex.DecodeString(params.Nonce)
	if err != nil || len(nonceBytes) != 4 {
		s.count("invalid_job_id")
		return s.codec.WriteResponse(protocol.Response{ID: req.ID, Error: protocol.NewError(-1, protocol.ErrInvalidJobID)})
	}
	var nonce [4]byte
	copy(nonce[:], nonceBytes)

	key := shareKey{jobID: job.JobIdentifier, nonce: binaryLE4(nonce)}
	s.mu.Lock()
	_, dup := s.seen[key]
	s.mu.Unlock()
	if dup {
		s.count("duplicate")
		return s.codec.WriteResponse(protocol.Response{ID: req.ID, Error: protocol.NewError(-1, protocol.ErrDuplicateShare)})
	}

	resultDifficulty, digest, err := job.Verify(nonce)
	if err != nil {
		s.logger.Warn("failed to verify submitted share", zap.Error(err))
		s.count("error")
		return s.codec.WriteResponse(protocol.Response{ID: req.ID, Error: protocol.NewError(-1, protocol.ErrLowDifficultyShare)})
	}
	if resultDifficulty < announced {
		s.count("low_difficulty")
		return s.codec.WriteResponse(protocol.Response{ID: req.ID, Error: protocol.NewError(-1, protocol.ErrLowDifficultyShare)})
	}

	s.mu.Lock()
	s.seen[key] = struct{}{}
	s.rate.Add(float64(announced), time.Now())
	s.mu.Unlock()
	s.count("accepted")

	if resultDifficulty >= job.Difficulty {
		worker := sessionID
		job.Submit(jobtemplate.JobResult{Nonce: nonce, Hash: digest}, func(err error) {
			if err != nil {
				s.logger.Debug("upstream rejected forwarded share", zap.String("worker", worker), zap.Error(err))
			}
		})
	}

	return s.codec.WriteResponse(protocol.Response{ID: req.ID, Result: protocol.StatusResult{Status: "OK"}})
}

func binaryLE4(n [4]byte) uint32 {
	return uint32(n[0]) | uint32(n[1])<<8 | uint32(n[2])<<16 | uint32(n[3])<<24
}

func (s *Session) count(result string) {
	s.mu.Lock()
	switch result {
	case "accepted":
		s.goodSubmits++
	case "invalid_job_id", "duplicate":
		s.staleSubmits++
	default:
		s.badSubmits++
	}
	m := s.metrics
	s.mu.Unlock()
	m.observe(result)
}

// Stats is a snapshot of this session's cumulative counters, for the proxy's
// remote-control telemetry reporting.
type Stats struct {
	ID                                    string
	Login                                 string
	WorkerType                            jobtemplate.WorkerType
	GoodSubmits, BadSubmits, StaleSubmits uint64
	HashRate                              *hashrate.Rate
	Uptime                                time.Duration
}

// Stats returns a point-in-time snapshot of this session's identity,
// submit counters and hash rate estimator.
func (s *Session) Stats(now time.Time) Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{
		ID:           s.id,
		Login:        s.login,
		WorkerType:   s.workerType,
		GoodSubmits:  s.goodSubmits,
		BadSubmits:   s.badSubmits,
		StaleSubmits: s.staleSubmits,
		HashRate:     s.rate,
		Uptime:       now.Sub(s.createdAt),
	}
}

// AssignJob installs job as this session's current work and pushes it to the
// worker as a job notification.
func (s *Session) AssignJob(job *jobtemplate.Job) error {
	jp := s.activateAndDescribe(job)
	return s.codec.WriteNotification(protocol.Notification{Method: protocol.MethodJob, Params: jp})
}

// RevokeJob drops the session's current job, because the upstream Pool it
// came from is gone or has moved on, and asks RequestJob for a replacement,
// pushing it immediately if one is available.
func (s *Session) RevokeJob() {
	s.mu.Lock()
	s.currentJob = nil
	s.announcedDifficulty = 0
	s.seen = make(map[shareKey]struct{})
	s.mu.Unlock()

	job := s.requestJob()
	if job == nil {
		return
	}
	if err := s.AssignJob(job); err != nil {
		s.logger.Warn("failed to push revoked job replacement", zap.Error(err))
	}
}

func (s *Session) requestJob() *jobtemplate.Job {
	s.mu.Lock()
	fn := s.RequestJob
	s.mu.Unlock()
	if fn == nil {
		return nil
	}
	return fn(s)
}

func (s *Session) activateAndDescribe(job *jobtemplate.Job) *protocol.JobParams {
	s.activateJob(job)
	return s.jobParams(job)
}

func (s *Session) activateJob(job *jobtemplate.Job) {
	s.mu.Lock()
	s.currentJob = job
	s.seen = make(map[shareKey]struct{})
	s.announcedDifficulty = s.nextAnnouncedDifficultyLocked(job.Difficulty)
	s.mu.Unlock()
}

// nextAnnouncedDifficultyLocked implements per-worker difficulty loop:
// clientDifficulty = longWindowHashRate * targetSecondsBetweenSubmits, gated
// on the session being old enough for its own rate estimate to be trusted;
// effectiveDifficulty is that value capped at the job's own difficulty so a
// fast worker is never asked for a harder share than the job itself needs.
// Callers must hold mu.
func (s *Session) nextAnnouncedDifficultyLocked(jobDifficulty uint32) uint32 {
	if time.Since(s.createdAt) < MinSessionAgeForRetarget {
		return jobDifficulty
	}
	longAvg := s.rate.Average(hashrate.Long)
	if longAvg <= 0 {
		return jobDifficulty
	}
	clientDifficulty := uint32(longAvg * s.targetSecondsBetweenSubmits.Seconds())
	if clientDifficulty == 0 || clientDifficulty > jobDifficulty {
		return jobDifficulty
	}
	return clientDifficulty
}

func (s *Session) jobParams(job *jobtemplate.Job) *protocol.JobParams {
	s.mu.Lock()
	announced := s.announcedDifficulty
	sessionID := s.id
	s.mu.Unlock()

	tgt, err := target.FromDifficulty(announced)
	if err != nil {
		tgt = job.Target
	}
	return &protocol.JobParams{
		Blob:   job.Blob.Hex(),
		JobID:  job.JobIdentifier,
		Target: tgt.ToHexString(4),
		ID:     sessionID,
		Algo:   string(job.Algorithm),
	}
}

// Close marks the session disconnected and fires OnDisconnect exactly once.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.state = StateDisconnected
		onDisconnect := s.OnDisconnect
		s.mu.Unlock()
		if onDisconnect != nil {
			onDisconnect(s)
		}
	})
}
