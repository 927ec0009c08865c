// Package pool implements the upstream Pool session: the stratum client half
// of the proxy. A Pool logs in, tracks outstanding requests by id, activates
// JobTemplates from incoming jobs, and maps submit errors onto the pool-
// facing status taxonomy.
package pool

import (
	"context"
	"crypto/tls"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/sstolzenberg/cnproxy/internal/blob"
	"github.com/sstolzenberg/cnproxy/internal/cryptonight"
	"github.com/sstolzenberg/cnproxy/internal/hashrate"
	"github.com/sstolzenberg/cnproxy/internal/jobtemplate"
	"github.com/sstolzenberg/cnproxy/internal/protocol"
	"github.com/sstolzenberg/cnproxy/internal/target"
)

// State is the Pool session's connection lifecycle.
type State int32

const (
	StateConnecting State = iota
	StateAuthenticating
	StateAuthenticated
	StateWorking
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAuthenticating:
		return "authenticating"
	case StateAuthenticated:
		return "authenticated"
	case StateWorking:
		return "working"
	default:
		return "unknown"
	}
}

// Status is the internal verdict a submit resolves to. Accepted reaches the
// submitting Client's SubmitStatusHandler as a nil error, every rejection as
// a non-nil one.
type Status int

const (
	StatusAccepted Status = iota
	StatusRejectedUnauthenticated
	StatusRejectedInvalidJobID
	StatusRejectedBlockExpired
	StatusRejectedLowDifficulty
	StatusRejectedOther
)

// Config is the dial/identity shape a Pool is built from.
type Config struct {
	Host       string
	Port       int
	TLS        bool
	Username   string
	Password   string
	Agent      string
	Weight     float64
	Algorithm  cryptonight.Variant
	DialTimeout time.Duration
}

// Collapser is implemented by whatever turns a pool block template
// into a hashable blob; threaded through to every JobTemplate this
// Pool activates.
type Collapser = blob.TemplateCollapser

// Metrics counts submit verdicts this Pool has seen, labeled by the
// Status they resolved to, so operators can see per-pool accept/reject
// rates on the proxy's /metrics endpoint.
type Metrics struct {
	submits *prometheus.CounterVec
}

// NewMetrics registers the submit-verdict counter under name with r.
func NewMetrics(r prometheus.Registerer, name string) *Metrics {
	m := &Metrics{
		submits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: name,
			Help: "Upstream pool submit responses by verdict.",
		}, []string{"pool", "status"}),
	}
	r.MustRegister(m.submits)
	return m
}

func (m *Metrics) observe(pool string, status Status) {
	if m == nil {
		return
	}
	m.submits.WithLabelValues(pool, statusLabel(status)).Inc()
}

func statusLabel(s Status) string {
	switch s {
	case StatusAccepted:
		return "accepted"
	case StatusRejectedUnauthenticated:
		return "rejected_unauthenticated"
	case StatusRejectedInvalidJobID:
		return "rejected_invalid_job_id"
	case StatusRejectedBlockExpired:
		return "rejected_block_expired"
	case StatusRejectedLowDifficulty:
		return "rejected_low_difficulty"
	default:
		return "rejected_other"
	}
}

// Pool is one upstream stratum connection and its active job state.
type Pool struct {
	mu sync.Mutex

	cfg       Config
	collapser Collapser
	logger    *zap.Logger
	metrics   *Metrics

	conn   net.Conn
	codec  *protocol.Codec
	tracker *protocol.Tracker

	state     State
	sessionID string
	active    *jobtemplate.Template
	templates map[string]*jobtemplate.Template // jobIdentifier -> template

	Rate *hashrate.Rate

	// OnReassign is invoked once with the freshly activated JobTemplate
	// whenever activation replaces the active template, so the caller can
	// reattach the Clients it has on this Pool.
	OnReassign func(active *jobtemplate.Template)

	// OnDisconnect is invoked once, after Close has retired this Pool's
	// JobTemplates, so the owning Proxy can ask its workers to revoke.
	OnDisconnect func()

	closeOnce sync.Once
	closed    chan struct{}
}

// New wires up a Pool ready to Dial. The collapser is handed to every
// JobTemplate this Pool activates, for the rare job that does arrive as an
// uncollapsed block template. Submit verdicts are counted only once
// SetMetrics has been given a non-nil Metrics.
func New(cfg Config, collapser Collapser, logger *zap.Logger) *Pool {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pool{
		cfg:       cfg,
		collapser: collapser,
		logger:    logger.Named("pool"),
		tracker:   protocol.NewTracker(),
		templates: make(map[string]*jobtemplate.Template),
		Rate:      hashrate.New(time.Now()),
		closed:    make(chan struct{}),
	}
}

// SetMetrics installs the counter vector this Pool reports submit
// verdicts to.
func (p *Pool) SetMetrics(m *Metrics) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.metrics = m
}

// State reports the Pool's current lifecycle state.
func (p *Pool) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Weight returns the configured normalized share of workers this Pool should
// receive.
func (p *Pool) Weight() float64 { return p.cfg.Weight }

// Algorithm returns the variant this Pool mines.
func (p *Pool) Algorithm() cryptonight.Variant { return p.cfg.Algorithm }

// Host identifies this Pool for operator-facing reporting.
func (p *Pool) Host() string { return p.cfg.Host }

// Active returns the currently active JobTemplate, or nil before the
// first job arrives.
func (p *Pool) Active() *jobtemplate.Template {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.active
}

// Dial opens the upstream connection and runs login, blocking until
// the handshake settles or ctx is done. When cfg.TLS is set the connection
// is a TLS client connection, mirroring how the server side dials its
// downstream listener.
func (p *Pool) Dial(ctx context.Context) error {
	dialer := net.Dialer{Timeout: p.cfg.DialTimeout}
	addr := fmt.Sprintf("%s:%d", p.cfg.Host, p.cfg.Port)

	var conn net.Conn
	var err error
	if p.cfg.TLS {
		tlsDialer := tls.Dialer{NetDialer: &dialer, Config: &tls.Config{ServerName: p.cfg.Host}}
		conn, err = tlsDialer.DialContext(ctx, "tcp", addr)
	} else {
		conn, err = dialer.DialContext(ctx, "tcp", addr)
	}
	if err != nil {
		return fmt.Errorf("pool: dial %s: %w", addr, err)
	}
	p.mu.Lock()
	p.conn = conn
	p.codec = protocol.NewCodec(conn)
	p.state = StateAuthenticating
	p.mu.Unlock()

	return p.login()
}

func (p *Pool) login() error {
	params, err := json.Marshal(protocol.LoginParams{
		Login: p.cfg.Username,
		Pass:  p.cfg.Password,
		Agent: p.cfg.Agent,
		Algo:  string(p.cfg.Algorithm),
	})
	if err != nil {
		return fmt.Errorf("pool: encode login params: %w", err)
	}

	p.mu.Lock()
	id := p.tracker.Begin(protocol.Pending{Kind: protocol.RequestLogin})
	p.mu.Unlock()

	return p.codec.WriteRequest(protocol.Request{ID: id, Method: protocol.MethodLogin, Params: params})
}

// Run drives the read loop until the connection closes or ctx is cancelled,
// dispatching every frame to handleFrame. It is the upstream analogue of the
// server-side accept loop: suspension points are reads only, matching
// single-event-loop model.
func (p *Pool) Run(ctx context.Context) error {
	defer p.Close()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		frame, err := p.codec.ReadFrame()
		if err != nil {
			return fmt.Errorf("pool: read frame: %w", err)
		}
		if err := p.handleFrame(frame); err != nil {
			p.logger.Warn("failed to handle frame", zap.Error(err))
		}
	}
}

func (p *Pool) handleFrame(f protocol.RawFrame) error {
	if f.ID == nil {
		return p.handleNotification(f)
	}
	return p.handleResponse(f)
}

func (p *Pool) handleNotification(f protocol.RawFrame) error {
	if f.Method != protocol.MethodJob {
		return nil
	}
	var jp protocol.JobParams
	if err := json.Unmarshal(f.Params, &jp); err != nil {
		return fmt.Errorf("pool: decode job notification: %w", err)
	}
	return p.onJob(jp)
}

func (p *Pool) handleResponse(f protocol.RawFrame) error {
	var id int64
	if err := json.Unmarshal(*f.ID, &id); err != nil {
		return fmt.Errorf("pool: decode response id: %w", err)
	}

	p.mu.Lock()
	pending, ok := p.tracker.Take(id)
	p.mu.Unlock()
	if !ok {
		return fmt.Errorf("pool: response for unknown request id %d", id)
	}

	switch pending.Kind {
	case protocol.RequestLogin:
		return p.handleLoginResponse(f)
	case protocol.RequestGetJob:
		return p.handleGetJobResponse(f)
	case protocol.RequestSubmit:
		return p.handleSubmitResponse(f, pending)
	default:
		return nil
	}
}

func (p *Pool) handleLoginResponse(f protocol.RawFrame) error {
	if f.Error != nil {
		return fmt.Errorf("pool: login rejected: %s", f.Error.Message)
	}
	var res protocol.LoginResult
	if err := json.Unmarshal(f.Result, &res); err != nil {
		return fmt.Errorf("pool: decode login result: %w", err)
	}

	p.mu.Lock()
	p.sessionID = res.ID
	p.state = StateAuthenticated
	p.mu.Unlock()

	if res.Job != nil {
		return p.onJob(*res.Job)
	}
	return nil
}

func (p *Pool) handleGetJobResponse(f protocol.RawFrame) error {
	if f.Error != nil {
		return fmt.Errorf("pool: getjob rejected: %s", f.Error.Message)
	}
	var jp protocol.JobParams
	if err := json.Unmarshal(f.Result, &jp); err != nil {
		return fmt.Errorf("pool: decode getjob result: %w", err)
	}
	return p.onJob(jp)
}

// SubmitWaiter receives the internal Status once this Pool's verdict
// on one submit is known.
type SubmitWaiter func(Status, error)

// handleSubmitResponse implements submit-error mapping by the verbatim
// message text.
func (p *Pool) handleSubmitResponse(f protocol.RawFrame, pending protocol.Pending) error {
	waiter, _ := pending.Continuation.(SubmitWaiter)

	if f.Error == nil {
		p.countSubmit(StatusAccepted)
		if waiter != nil {
			waiter(StatusAccepted, nil)
		}
		return nil
	}

	switch f.Error.Message {
	case protocol.ErrUnauthenticated:
		p.countSubmit(StatusRejectedUnauthenticated)
		if waiter != nil {
			waiter(StatusRejectedUnauthenticated, nil)
		}
		return p.login()
	case protocol.ErrBlockExpired, protocol.ErrInvalidJobID:
		status := StatusRejectedBlockExpired
		if f.Error.Message == protocol.ErrInvalidJobID {
			status = StatusRejectedInvalidJobID
		}
		p.countSubmit(status)
		p.retireJob(pending.JobID)
		if waiter != nil {
			waiter(status, nil)
		}
		p.requestFreshJob()
		return nil
	case protocol.ErrLowDifficultyShare:
		p.countSubmit(StatusRejectedLowDifficulty)
		if waiter != nil {
			waiter(StatusRejectedLowDifficulty, nil)
		}
		return nil
	default:
		p.countSubmit(StatusRejectedOther)
		if waiter != nil {
			waiter(StatusRejectedOther, fmt.Errorf("pool: submit rejected: %s", f.Error.Message))
		}
		return nil
	}
}

func (p *Pool) countSubmit(status Status) {
	p.mu.Lock()
	m := p.metrics
	host := p.cfg.Host
	p.mu.Unlock()
	m.observe(host, status)
}

func (p *Pool) retireJob(jobID string) {
	p.mu.Lock()
	delete(p.templates, jobID)
	p.mu.Unlock()
}

func (p *Pool) requestFreshJob() {
	p.mu.Lock()
	id := p.tracker.Begin(protocol.Pending{Kind: protocol.RequestGetJob})
	sessionID := p.sessionID
	p.mu.Unlock()

	params, err := json.Marshal(struct {
		ID string `json:"id"`
	}{ID: sessionID})
	if err != nil {
		return
	}
	_ = p.codec.WriteRequest(protocol.Request{ID: id, Method: protocol.MethodGetJob, Params: params})
}

// onJob implements the three-way activation rule for an incoming job,
// whatever frame it arrived on.
func (p *Pool) onJob(jp protocol.JobParams) error {
	raw, err := hex.DecodeString(jp.Blob)
	if err != nil {
		return fmt.Errorf("pool: decode job blob: %w", err)
	}

	p.mu.Lock()
	existing, known := p.templates[jp.JobID]
	alreadyActive := known && p.active == existing
	p.mu.Unlock()

	if alreadyActive {
		return nil
	}
	if known {
		p.activate(existing)
		return nil
	}

	tgt, err := target.ParseHex(jp.Target)
	if err != nil {
		return fmt.Errorf("pool: parse job target: %w", err)
	}
	b, err := blob.New(raw, false,
		offsetOrAbsent(jp.ReservedOffset),
		offsetOrAbsent(jp.ClientNonceOffset),
		offsetOrAbsent(jp.ClientPoolOffset))
	if err != nil {
		return fmt.Errorf("pool: build job blob: %w", err)
	}
	difficulty := tgt.ToDifficulty()

	algo := p.cfg.Algorithm
	if jp.Variant != "" {
		algo = cryptonight.Variant(jp.Variant)
	}

	tmpl := jobtemplate.NewFromPoolJob(b, algo, difficulty, 0, difficulty, p.collapser)
	tmpl.SetJobResultHandler(p.makeResultHandler(jp.JobID))

	p.mu.Lock()
	p.templates[jp.JobID] = tmpl
	p.mu.Unlock()

	p.activate(tmpl)
	return nil
}

// offsetOrAbsent converts a wire offset pointer to blob.Absent when unset,
// the shape blob.New expects for an offset this pool job didn't advertise.
func offsetOrAbsent(v *uint32) uint32 {
	if v == nil {
		return blob.Absent
	}
	return *v
}

// activate replaces the active JobTemplate and notifies OnReassign so every
// worker attached to this Pool gets re-assigned to it.
func (p *Pool) activate(tmpl *jobtemplate.Template) {
	p.mu.Lock()
	p.active = tmpl
	p.state = StateWorking
	reassign := p.OnReassign
	p.mu.Unlock()

	if reassign != nil {
		reassign(tmpl)
	}
}

// makeResultHandler builds the ResultHandler a freshly activated
// JobTemplate forwards verified shares to: it submits upstream and
// remembers the waiter so the response can be routed back.
func (p *Pool) makeResultHandler(jobID string) jobtemplate.ResultHandler {
	return func(share jobtemplate.Share, statusHandler jobtemplate.SubmitStatusHandler) {
		p.submit(jobID, share, statusHandler)
	}
}

func (p *Pool) submit(jobID string, share jobtemplate.Share, statusHandler jobtemplate.SubmitStatusHandler) {
	params, err := json.Marshal(protocol.SubmitParams{
		ID:          p.sessionIDLocked(),
		JobID:       jobID,
		Nonce:       hex.EncodeToString(share.Result.Nonce[:]),
		Result:      hex.EncodeToString(share.Result.Hash[:]),
		WorkerNonce: hexUint32(share.WorkerNonce),
		PoolNonce:   hexUint32(share.PoolNonce),
	})
	if err != nil {
		if statusHandler != nil {
			statusHandler(err)
		}
		return
	}

	waiter := SubmitWaiter(func(status Status, err error) {
		if statusHandler == nil {
			return
		}
		if status == StatusAccepted {
			statusHandler(nil)
			return
		}
		if err == nil {
			err = fmt.Errorf("pool: submit rejected: %s", statusLabel(status))
		}
		statusHandler(err)
	})

	p.mu.Lock()
	id := p.tracker.BeginWith(protocol.Pending{Kind: protocol.RequestSubmit, JobID: jobID}, waiter)
	p.mu.Unlock()

	if err := p.codec.WriteRequest(protocol.Request{ID: id, Method: protocol.MethodSubmit, Params: params}); err != nil {
		p.mu.Lock()
		p.tracker.Take(id)
		p.mu.Unlock()
		if statusHandler != nil {
			statusHandler(err)
		}
	}
}

func (p *Pool) sessionIDLocked() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sessionID
}

// hexUint32 renders an optional big-endian nonce stamp (pool-nonce or
// worker-nonce) as wire hex, or "" if it was never stamped.
func hexUint32(v *uint32) string {
	if v == nil {
		return ""
	}
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], *v)
	return hex.EncodeToString(buf[:])
}

// Close shuts the connection down, retires every JobTemplate, resolves every
// still-outstanding request as a rejected-invalid-job-id submit, and
// notifies OnDisconnect exactly once.
func (p *Pool) Close() {
	p.closeOnce.Do(func() {
		close(p.closed)
		if p.conn != nil {
			_ = p.conn.Close()
		}
		p.mu.Lock()
		p.active = nil
		p.templates = make(map[string]*jobtemplate.Template)
		pending := p.tracker.TakeAll()
		onDisconnect := p.OnDisconnect
		p.mu.Unlock()

		for _, pend := range pending {
			if waiter, ok := pend.Continuation.(SubmitWaiter); ok {
				waiter(StatusRejectedInvalidJobID, nil)
			}
		}
		if onDisconnect != nil {
			onDisconnect()
		}
	})
}
