// Package jobtemplate implements the job fan-out engine: the small hierarchy
// of template kinds that subdivide one pool job by pool nonce, worker nonce
// and nice-hash byte, and that rewrite a worker's share back into the shape
// the pool expects. The four kinds compose rather than inherit: Template
// holds the fields every kind shares and a kind-specific body that supplies
// the one behavior that differs between them.
package jobtemplate

import (
	"errors"
	"sync"

	"github.com/google/uuid"

	"github.com/sstolzenberg/cnproxy/internal/blob"
	"github.com/sstolzenberg/cnproxy/internal/cryptonight"
	"github.com/sstolzenberg/cnproxy/internal/protocol"
	"github.com/sstolzenberg/cnproxy/internal/target"
)

// WorkerType classifies who is asking a template for work.
type WorkerType int

const (
	WorkerUnknown WorkerType = iota
	WorkerMiner
	WorkerProxy
)

// WorkerID identifies the session asking for a job (a Client's session UUID).
type WorkerID string

// JobResult is what a miner submits back through a Job's Submit.
type JobResult struct {
	Nonce [4]byte
	Hash  [32]byte
}

// SubmitStatusHandler receives the final verdict for one submitted result.
type SubmitStatusHandler func(err error)

// Share is a result on its way up the template tree, accumulating the pool-
// nonce/worker-nonce stamps each level adds.
type Share struct {
	Result      JobResult
	PoolNonce   *uint32
	WorkerNonce *uint32
}

// ResultHandler is how a Template surfaces a verified share to its
// parent (or, at the root, to the Pool session).
type ResultHandler func(Share, SubmitStatusHandler)

// ErrLowDifficultyShare and ErrDuplicateShare carry the verbatim message
// text the stratum codec emits on the wire.
var (
	ErrLowDifficultyShare = errors.New(protocol.ErrLowDifficultyShare)
	ErrDuplicateShare     = errors.New(protocol.ErrDuplicateShare)
)

// Job is a subjob minted by exactly one Template for exactly one worker.
type Job struct {
	AssignedWorker WorkerID
	JobIdentifier  string
	Blob           blob.Blob
	Target         target.Target
	Algorithm      cryptonight.Variant
	Difficulty     uint32 // the targetDifficulty this job was minted against

	collapser blob.TemplateCollapser
	submit    func(JobResult, SubmitStatusHandler)
}

// Submit runs the job's submit callback: the validating template
// checks the result and, if accepted, forwards it up the tree.
func (j *Job) Submit(result JobResult, handler SubmitStatusHandler) {
	j.submit(result, handler)
}

// Verify computes the difficulty a candidate nonce's hash meets and the
// digest it hashed to, without gating either against a threshold. The
// downstream Client uses this to classify a share against its own announced
// difficulty before ever calling Submit (: "Compute resultDifficulty =
// difficultyOfHash(H(blob_with_nonce, algorithm))"), since Submit's own gate
// gives only a pass/fail against this template's difficulty, and a forwarded
// share must carry the proxy's own recomputed digest rather than whatever
// the worker claimed.
func (j *Job) Verify(nonce [4]byte) (difficulty uint32, digest [32]byte, err error) {
	candidate := j.Blob.Clone()
	candidate.SetNonce(binaryLE4(nonce))
	hashable, err := candidate.Collapse(j.collapser)
	if err != nil {
		return 0, digest, err
	}
	digest, err = cryptonight.Hash(hashable.Bytes(), j.Algorithm)
	if err != nil {
		return 0, digest, err
	}
	return target.DifficultyOfHash(digest), digest, nil
}

// body supplies the one behavior that differs between Master, Worker,
// NiceHash and Solo templates: minting (or declining to mint) the next
// subjob for a requesting worker.
type body interface {
	nextSubJob(t *Template, workerID WorkerID, workerType WorkerType) (*Job, bool)
}

// Template is the common shell every kind shares: identity, the pool
// blob/algorithm it was built from, its result handler, and the per-worker
// "last job handed out" bookkeeping every kind needs.
type Template struct {
	mu sync.Mutex

	identifier    string
	jobIdentifier string
	algorithm     cryptonight.Variant
	poolBlob      blob.Blob
	resultHandler ResultHandler
	collapser     blob.TemplateCollapser

	subJobs map[WorkerID]*Job

	body body
}

// SetJobResultHandler installs the handler shares are forwarded to
// once this template (or one of its children) verifies them.
func (t *Template) SetJobResultHandler(h ResultHandler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.resultHandler = h
}

// JobIdentifier returns this template's stamp, written onto every share a
// descendant surfaces.
func (t *Template) JobIdentifier() string { return t.jobIdentifier }

// Algorithm returns the variant this template's jobs hash with.
func (t *Template) Algorithm() cryptonight.Variant { return t.algorithm }

// SupportsWorkerType reports whether this template can hand work to a worker
// of the given type; only MasterJobTemplate accepts proxies.
func (t *Template) SupportsWorkerType(wt WorkerType) bool {
	if _, isMaster := t.body.(*masterBody); isMaster {
		return true
	}
	return wt != WorkerProxy
}

// GetJobFor walks the tree for the given worker: the worker's previous job
// (if any) is retired, then a fresh one is minted via the kind-specific
// body. false means no job is available right now.
func (t *Template) GetJobFor(workerID WorkerID, workerType WorkerType) (*Job, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.SupportsWorkerType(workerType) {
		return nil, false
	}
	delete(t.subJobs, workerID)

	job, ok := t.body.nextSubJob(t, workerID, workerType)
	if !ok {
		return nil, false
	}
	t.subJobs[workerID] = job
	return job, true
}

func generateJobIdentifier() string { return uuid.NewString() }

// hashAndCheck runs the opaque hash collaborator over a nonce-bearing
// blob and reports whether its difficulty meets required.
func hashAndCheck(b blob.Blob, collapser blob.TemplateCollapser, algorithm cryptonight.Variant, required uint32) (bool, error) {
	hashable, err := b.Collapse(collapser)
	if err != nil {
		return false, err
	}
	digest, err := cryptonight.Hash(hashable.Bytes(), algorithm)
	if err != nil {
		return false, err
	}
	return target.DifficultyOfHash(digest) >= required, nil
}

// NewFromPoolJob applies construction rule for a fresh pool job: 1.
// clientPoolOffset present -> MasterJobTemplate. 2. a ready (non-template)
// blob whose nice-hash byte is 0 -> NiceHashJobTemplate. 3. otherwise ->
// SoloJobTemplate. A plain WorkerJobTemplate is only ever created as a
// Master's child.
func NewFromPoolJob(poolBlob blob.Blob, algorithm cryptonight.Variant, difficulty, height, targetDifficulty uint32, collapser blob.TemplateCollapser) *Template {
	jobID := generateJobIdentifier()
	base := Template{
		identifier:    jobID,
		jobIdentifier: jobID,
		algorithm:     algorithm,
		poolBlob:      poolBlob,
		collapser:     collapser,
		subJobs:       make(map[WorkerID]*Job),
	}

	switch {
	case poolBlob.HasClientPool():
		base.body = &masterBody{
			difficulty:       difficulty,
			height:           height,
			targetDifficulty: targetDifficulty,
			nextPoolNonce:    1,
		}
	case !poolBlob.IsTemplate() && poolBlob.NiceHash() == 0:
		tgt, _ := target.FromDifficulty(targetDifficulty)
		base.body = &niceHashBody{target: tgt, seen: make(map[uint32]struct{})}
	default:
		tgt, _ := target.FromDifficulty(targetDifficulty)
		base.body = &soloBody{target: tgt, seen: make(map[uint32]struct{})}
	}
	return &base
}

// --- MasterJobTemplate -------------------------------------------------

type masterBody struct {
	difficulty, targetDifficulty uint32
	height                       uint32
	nextPoolNonce                uint32
	active                       *Template
}

func (m *masterBody) nextSubJob(t *Template, workerID WorkerID, workerType WorkerType) (*Job, bool) {
	if workerType == WorkerProxy {
		// A proxy consumes a whole subtemplate itself rather than a single
		// sliced Job: mint it a fresh WorkerJobTemplate and hand back a Job
		// that covers the child's entire worker-nonce space unsliced.
		child := m.mintWorkerTemplate(t)
		wb, ok := child.body.(*workerBody)
		if !ok {
			return nil, false
		}
		job, ok := wb.wholeSubtemplateJob(child, workerID)
		if !ok {
			return nil, false
		}
		child.subJobs[workerID] = job
		return job, true
	}

	if m.active == nil || m.active.exhausted() {
		m.active = m.mintWorkerTemplate(t)
	}
	return m.active.GetJobFor(workerID, workerType)
}

func (m *masterBody) mintWorkerTemplate(parent *Template) *Template {
	poolNonce := m.nextPoolNonce
	m.nextPoolNonce++

	child := &Template{
		identifier:    generateJobIdentifier(),
		jobIdentifier: parent.jobIdentifier,
		algorithm:     parent.algorithm,
		poolBlob:      parent.poolBlob.Clone(),
		collapser:     parent.collapser,
		subJobs:       make(map[WorkerID]*Job),
	}
	child.body = &workerBody{
		targetDifficulty: m.targetDifficulty,
		nextClientNonce:  1,
	}
	poolNonceCopy := poolNonce
	child.resultHandler = func(s Share, h SubmitStatusHandler) {
		s.PoolNonce = &poolNonceCopy
		parent.forward(s, h)
	}
	if poolBlob := child.poolBlob; poolBlob.HasClientPool() {
		_ = poolBlob.SetClientPool(poolNonce)
		child.poolBlob = poolBlob
	}
	return child
}

// exhausted reports whether this template's worker-nonce space (when
// it is a WorkerJobTemplate) is used up.
func (t *Template) exhausted() bool {
	w, ok := t.body.(*workerBody)
	if !ok {
		return false
	}
	return w.nextClientNonce == 0
}

// forward passes a verified share up to this template's own result
// handler. The share carries no job identifier; the handler a Pool
// installs is bound to its own job id. With no handler, h is told the
// share was accepted.
func (t *Template) forward(s Share, h SubmitStatusHandler) {
	t.mu.Lock()
	handler := t.resultHandler
	t.mu.Unlock()
	if handler != nil {
		handler(s, h)
	} else if h != nil {
		h(nil)
	}
}

// --- WorkerJobTemplate ---------------------------------------------------

type workerBody struct {
	targetDifficulty uint32
	nextClientNonce  uint32
}

func (w *workerBody) nextSubJob(t *Template, workerID WorkerID, workerType WorkerType) (*Job, bool) {
	if workerType == WorkerProxy {
		return nil, false
	}
	if w.nextClientNonce == 0 {
		return nil, false // worker-nonce space exhausted
	}

	clientNonce := w.nextClientNonce
	w.nextClientNonce++ // wrapping to 0 marks the worker-nonce space exhausted

	b := t.poolBlob.Clone()
	if b.HasClientNonce() {
		_ = b.SetClientNonce(clientNonce)
	}

	tgt, err := target.FromDifficulty(w.targetDifficulty)
	if err != nil {
		return nil, false
	}

	job := &Job{
		AssignedWorker: workerID,
		JobIdentifier:  t.jobIdentifier,
		Blob:           b,
		Target:         tgt,
		Algorithm:      t.algorithm,
		Difficulty:     w.targetDifficulty,
		collapser:      t.collapser,
	}
	thisNonce := clientNonce
	job.submit = func(result JobResult, handler SubmitStatusHandler) {
		candidate := b.Clone()
		candidate.SetNonce(binaryLE4(result.Nonce))
		meets, err := hashAndCheck(candidate, t.collapser, t.algorithm, w.targetDifficulty)
		if err != nil {
			if handler != nil {
				handler(err)
			}
			return
		}
		if !meets {
			if handler != nil {
				handler(ErrLowDifficultyShare)
			}
			return
		}
		nonceCopy := thisNonce
		t.forward(Share{Result: result, WorkerNonce: &nonceCopy}, handler)
	}
	return job, true
}

// wholeSubtemplateJob mints a Job covering this template's entire blob,
// unsliced by client nonce, for a nested proxy worker that will fan the
// whole subtemplate out to its own workers rather than hash it directly.
func (w *workerBody) wholeSubtemplateJob(t *Template, workerID WorkerID) (*Job, bool) {
	b := t.poolBlob.Clone()

	tgt, err := target.FromDifficulty(w.targetDifficulty)
	if err != nil {
		return nil, false
	}

	job := &Job{
		AssignedWorker: workerID,
		JobIdentifier:  t.jobIdentifier,
		Blob:           b,
		Target:         tgt,
		Algorithm:      t.algorithm,
		Difficulty:     w.targetDifficulty,
		collapser:      t.collapser,
	}
	job.submit = func(result JobResult, handler SubmitStatusHandler) {
		candidate := b.Clone()
		candidate.SetNonce(binaryLE4(result.Nonce))
		meets, err := hashAndCheck(candidate, t.collapser, t.algorithm, w.targetDifficulty)
		if err != nil {
			if handler != nil {
				handler(err)
			}
			return
		}
		if !meets {
			if handler != nil {
				handler(ErrLowDifficultyShare)
			}
			return
		}
		t.forward(Share{Result: result}, handler)
	}
	return job, true
}

func binaryLE4(n [4]byte) uint32 {
	return uint32(n[0]) | uint32(n[1])<<8 | uint32(n[2])<<16 | uint32(n[3])<<24
}

// --- NiceHashJobTemplate -------------------------------------------------

type niceHashBody struct {
	target       target.Target
	lastNiceHash uint16
	seen         map[uint32]struct{}
}

func (n *niceHashBody) nextSubJob(t *Template, workerID WorkerID, workerType WorkerType) (*Job, bool) {
	if workerType == WorkerProxy {
		return nil, false
	}
	if n.lastNiceHash >= 255 {
		return nil, false
	}
	n.lastNiceHash++
	niceHash := byte(n.lastNiceHash)

	b := t.poolBlob.Clone()
	b.SetNiceHash(niceHash)

	job := &Job{
		AssignedWorker: workerID,
		JobIdentifier:  t.jobIdentifier,
		Blob:           b,
		Target:         n.target,
		Algorithm:      t.algorithm,
		Difficulty:     n.target.ToDifficulty(),
		collapser:      t.collapser,
	}
	job.submit = n.makeSubmit(t, b)
	return job, true
}

func (n *niceHashBody) makeSubmit(t *Template, b blob.Blob) func(JobResult, SubmitStatusHandler) {
	return func(result JobResult, handler SubmitStatusHandler) {
		full := binaryLE4(result.Nonce)
		if _, dup := n.seen[full]; dup {
			if handler != nil {
				handler(ErrDuplicateShare)
			}
			return
		}
		required := n.target.ToDifficulty()
		candidate := b.Clone()
		candidate.SetNonce(full)
		meets, err := hashAndCheck(candidate, t.collapser, t.algorithm, required)
		if err != nil {
			if handler != nil {
				handler(err)
			}
			return
		}
		if !meets {
			if handler != nil {
				handler(ErrLowDifficultyShare)
			}
			return
		}
		n.seen[full] = struct{}{}
		t.forward(Share{Result: result}, handler)
	}
}

// --- SoloJobTemplate -------------------------------------------------

type soloBody struct {
	target  target.Target
	handed  bool
	seen    map[uint32]struct{}
}

func (s *soloBody) nextSubJob(t *Template, workerID WorkerID, workerType WorkerType) (*Job, bool) {
	if workerType == WorkerProxy || s.handed {
		return nil, false
	}
	s.handed = true

	b := t.poolBlob.Clone()
	job := &Job{
		AssignedWorker: workerID,
		JobIdentifier:  t.jobIdentifier,
		Blob:           b,
		Target:         s.target,
		Algorithm:      t.algorithm,
		Difficulty:     s.target.ToDifficulty(),
		collapser:      t.collapser,
	}
	expectedNiceHash := b.NiceHash()
	job.submit = func(result JobResult, handler SubmitStatusHandler) {
		full := binaryLE4(result.Nonce)
		niceHash := byte(full >> 24)
		if niceHash != expectedNiceHash {
			if handler != nil {
				handler(ErrDuplicateShare)
			}
			return
		}
		if _, dup := s.seen[full]; dup {
			if handler != nil {
				handler(ErrDuplicateShare)
			}
			return
		}
		required := s.target.ToDifficulty()
		candidate := b.Clone()
		candidate.SetNonce(full)
		meets, err := hashAndCheck(candidate, t.collapser, t.algorithm, required)
		if err != nil {
			if handler != nil {
				handler(err)
			}
			return
		}
		if !meets {
			if handler != nil {
				handler(ErrLowDifficultyShare)
			}
			return
		}
		s.seen[full] = struct{}{}
		t.forward(Share{Result: result}, handler)
	}
	return job, true
}
