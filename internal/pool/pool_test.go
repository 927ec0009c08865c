package pool

import (
	"encoding/hex"
	"encoding/json"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sstolzenberg/cnproxy/internal/blob"
	"github.com/sstolzenberg/cnproxy/internal/cryptonight"
	"github.com/sstolzenberg/cnproxy/internal/jobtemplate"
	"github.com/sstolzenberg/cnproxy/internal/protocol"
)

// wireUp builds a Pool whose connection is one end of an in-memory
// pipe, the other end available to the test as a fake upstream.
func wireUp(t *testing.T) (*Pool, *protocol.Codec, net.Conn) {
	t.Helper()
	clientSide, serverSide := net.Pipe()
	t.Cleanup(func() { clientSide.Close(); serverSide.Close() })

	p := New(Config{
		Host: "pool.example", Port: 3333, Username: "wallet", Agent: "cnproxy/1.0",
		Algorithm: cryptonight.VariantV0, Weight: 1, DialTimeout: time.Second,
	}, nil, zap.NewNop())
	p.conn = clientSide
	p.codec = protocol.NewCodec(clientSide)
	p.state = StateAuthenticating

	return p, protocol.NewCodec(serverSide), serverSide
}

func TestLoginSendsRequestAndActivatesFromReply(t *testing.T) {
	p, fake, _ := wireUp(t)

	done := make(chan struct{})
	go func() {
		defer close(done)
		req, err := fake.ReadRequest()
		require.NoError(t, err)
		require.Equal(t, protocol.MethodLogin, req.Method)

		raw := make([]byte, 76)
		result, err := json.Marshal(protocol.LoginResult{
			ID:     "session-1",
			Status: "OK",
			Job: &protocol.JobParams{
				Blob:   hex.EncodeToString(raw),
				JobID:  "job-1",
				Target: "ffffffff",
				ID:     "session-1",
			},
		})
		require.NoError(t, err)
		require.NoError(t, fake.WriteResponse(protocol.Response{ID: req.ID, Result: json.RawMessage(result)}))
	}()

	require.NoError(t, p.login())

	frame, err := readOneFrame(p)
	require.NoError(t, err)
	require.NoError(t, p.handleFrame(frame))
	<-done

	require.Equal(t, StateWorking, p.State())
	require.NotNil(t, p.Active())
}

func TestSubmitErrorMappingRetiresOnInvalidJobID(t *testing.T) {
	p, fake, _ := wireUp(t)
	jobID := "job-retire"

	p.mu.Lock()
	p.templates[jobID] = jobtemplate.NewFromPoolJob(testBlob(t), cryptonight.VariantV0, 1000, 0, 1000, nil)
	p.active = p.templates[jobID]
	p.state = StateWorking
	p.mu.Unlock()

	share := jobtemplate.Share{Result: jobtemplate.JobResult{}}
	go p.submit(jobID, share, func(err error) {})

	req, err := fake.ReadRequest()
	require.NoError(t, err)
	require.Equal(t, protocol.MethodSubmit, req.Method)

	errResp := protocol.Response{ID: req.ID, Error: protocol.NewError(-1, protocol.ErrInvalidJobID)}
	// net.Pipe is unbuffered: the response write completes only once the
	// Pool side reads it, so it runs beside the read.
	wrote := make(chan error, 1)
	go func() { wrote <- fake.WriteResponse(errResp) }()

	frame, err := readOneFrame(p)
	require.NoError(t, err)
	require.NoError(t, <-wrote)

	// Invalid job id also triggers a fresh getjob request; drain it so
	// the synchronous pipe write inside handleFrame doesn't block.
	drained := make(chan struct{})
	go func() {
		defer close(drained)
		_, _ = fake.ReadRequest()
	}()

	require.NoError(t, p.handleFrame(frame))
	<-drained
	p.mu.Lock()
	_, stillKnown := p.templates[jobID]
	p.mu.Unlock()
	require.False(t, stillKnown, "Invalid job id retires the template")
}

func TestSubmitErrorMappingKeepsLowDifficultyShare(t *testing.T) {
	p, fake, _ := wireUp(t)
	jobID := "job-keep"

	p.mu.Lock()
	p.templates[jobID] = jobtemplate.NewFromPoolJob(testBlob(t), cryptonight.VariantV0, 1000, 0, 1000, nil)
	p.active = p.templates[jobID]
	p.state = StateWorking
	p.mu.Unlock()

	go p.submit(jobID, jobtemplate.Share{}, func(err error) {})

	req, err := fake.ReadRequest()
	require.NoError(t, err)
	wrote := make(chan error, 1)
	go func() {
		wrote <- fake.WriteResponse(protocol.Response{ID: req.ID, Error: protocol.NewError(-1, protocol.ErrLowDifficultyShare)})
	}()

	frame, err := readOneFrame(p)
	require.NoError(t, err)
	require.NoError(t, <-wrote)
	require.NoError(t, p.handleFrame(frame))

	p.mu.Lock()
	_, stillKnown := p.templates[jobID]
	p.mu.Unlock()
	require.True(t, stillKnown, "Low difficulty share does not retire the template")
}

func TestUnauthenticatedSubmitTriggersReLogin(t *testing.T) {
	p, fake, _ := wireUp(t)
	jobID := "job-relogin"

	p.mu.Lock()
	p.templates[jobID] = jobtemplate.NewFromPoolJob(testBlob(t), cryptonight.VariantV0, 1000, 0, 1000, nil)
	p.active = p.templates[jobID]
	p.state = StateWorking
	p.mu.Unlock()

	go p.submit(jobID, jobtemplate.Share{}, func(err error) {})

	req, err := fake.ReadRequest()
	require.NoError(t, err)
	wrote := make(chan error, 1)
	go func() {
		wrote <- fake.WriteResponse(protocol.Response{ID: req.ID, Error: protocol.NewError(-1, protocol.ErrUnauthenticated)})
	}()

	frame, err := readOneFrame(p)
	require.NoError(t, err)
	require.NoError(t, <-wrote)

	relogin := make(chan struct{})
	go func() {
		_, err := fake.ReadRequest()
		require.NoError(t, err)
		close(relogin)
	}()

	require.NoError(t, p.handleFrame(frame))
	<-relogin
}

// TestOnJobBuildsMasterJobTemplateWhenPoolAdvertisesOffsets covers the
// construction rule driven entirely off the wire job, not a hardcoded
// isTemplate/offset shape: a job notification carrying clientPoolOffset
// and clientNonceOffset must activate a MasterJobTemplate capable of
// minting a whole subtemplate to a proxy worker.
func TestOnJobBuildsMasterJobTemplateWhenPoolAdvertisesOffsets(t *testing.T) {
	p, _, _ := wireUp(t)

	raw := make([]byte, 76)
	clientNonceOffset := uint32(44)
	clientPoolOffset := uint32(48)
	jp := protocol.JobParams{
		Blob:              hex.EncodeToString(raw),
		JobID:             "job-master",
		Target:            "ffffffff",
		ID:                "session-1",
		ClientNonceOffset: &clientNonceOffset,
		ClientPoolOffset:  &clientPoolOffset,
	}

	require.NoError(t, p.onJob(jp))

	active := p.Active()
	require.NotNil(t, active)

	job, ok := active.GetJobFor("proxy-1", jobtemplate.WorkerProxy)
	require.True(t, ok, "a MasterJobTemplate hands a proxy worker a whole subtemplate")
	require.Equal(t, active.JobIdentifier(), job.JobIdentifier)
}

func testBlob(t *testing.T) blob.Blob {
	t.Helper()
	raw := make([]byte, 76)
	built, err := blob.New(raw, false, blob.Absent, blob.Absent, blob.Absent)
	require.NoError(t, err)
	return built
}

func readOneFrame(p *Pool) (protocol.RawFrame, error) {
	return p.codec.ReadFrame()
}
