package protocol

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCodecRoundTripsRequest(t *testing.T) {
	var buf bytes.Buffer
	c := NewCodec(&buf)

	params, err := json.Marshal(LoginParams{Login: "x", Pass: "y", Agent: "xmrig/6.0"})
	require.NoError(t, err)

	require.NoError(t, c.WriteRequest(Request{ID: int64(1), Method: MethodLogin, Params: params}))

	got, err := c.ReadRequest()
	require.NoError(t, err)
	require.Equal(t, MethodLogin, got.Method)

	var lp LoginParams
	require.NoError(t, json.Unmarshal(got.Params, &lp))
	require.Equal(t, "x", lp.Login)
	require.Equal(t, "xmrig/6.0", lp.Agent)
}

func TestCodecDistinguishesResponseFromNotification(t *testing.T) {
	var buf bytes.Buffer
	c := NewCodec(&buf)

	require.NoError(t, c.WriteResponse(Response{ID: int64(4), Result: StatusResult{Status: "OK"}}))
	require.NoError(t, c.WriteNotification(Notification{Method: MethodJob, Params: JobParams{JobID: "abc"}}))

	f1, err := c.ReadFrame()
	require.NoError(t, err)
	require.NotNil(t, f1.ID)

	f2, err := c.ReadFrame()
	require.NoError(t, err)
	require.Nil(t, f2.ID)
	require.Equal(t, MethodJob, f2.Method)
}

func TestSubmitErrorMessagesAreVerbatim(t *testing.T) {
	cases := []string{
		ErrUnauthenticated, ErrIPBanned, ErrDuplicateShare,
		ErrBlockExpired, ErrInvalidJobID, ErrLowDifficultyShare,
	}
	for _, msg := range cases {
		e := NewError(-1, msg)
		require.Equal(t, msg, e.Error())
	}
}

func TestTrackerCorrelatesAndForgetsRequests(t *testing.T) {
	tr := NewTracker()

	loginID := tr.Begin(Pending{Kind: RequestLogin})
	submitID := tr.Begin(Pending{Kind: RequestSubmit, JobID: "job-1"})
	require.Equal(t, int64(1), loginID)
	require.Equal(t, int64(2), submitID)
	require.Equal(t, 2, tr.Len())

	p, ok := tr.Take(submitID)
	require.True(t, ok)
	require.Equal(t, RequestSubmit, p.Kind)
	require.Equal(t, "job-1", p.JobID)
	require.Equal(t, 1, tr.Len())

	_, ok = tr.Take(submitID)
	require.False(t, ok)
}
