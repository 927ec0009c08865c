// Package protocol implements the Stratum line-protocol this proxy speaks on
// both sides: a server surface towards workers and a client surface towards
// pools. Frames are one JSON object per line; both directions share the same
// Request/Response/Notification shape.
package protocol

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
)

// Method names the proxy dispatches on its server side.
type Method string

const (
	MethodLogin      Method = "login"
	MethodGetJob     Method = "getjob"
	MethodSubmit     Method = "submit"
	MethodKeepalived Method = "keepalived"
	MethodJob        Method = "job" // notification-only, pool -> proxy
)

// Error message text is wire-significant: the pool side parses it back out
// of a submit response to decide how to react.
const (
	ErrUnauthenticated     = "Unauthenticated"
	ErrIPBanned            = "IP Address currently banned"
	ErrDuplicateShare      = "Duplicate share"
	ErrBlockExpired        = "Block expired"
	ErrInvalidJobID        = "Invalid job id"
	ErrLowDifficultyShare  = "Low difficulty share"
	ErrInvalidMethod       = "invalid method"
	ErrInvalidParams       = "invalid params"
	ErrMissingLogin        = "missing login"
	ErrInvalidLoginAddress = "invalid address used for login"
)

// StratumError is a JSON-RPC error whose Message is the wire-verbatim
// taxonomy text above.
type StratumError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *StratumError) Error() string { return e.Message }

// NewError builds a StratumError carrying one of the verbatim messages.
func NewError(code int, message string) *StratumError {
	return &StratumError{Code: code, Message: message}
}

// Request is an inbound call: {id, jsonrpc, method, params}.
type Request struct {
	ID      interface{}     `json:"id"`
	JSONRPC string          `json:"jsonrpc,omitempty"`
	Method  Method          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// Response is a reply to a Request: {id, jsonrpc, result | error}.
type Response struct {
	ID      interface{} `json:"id"`
	JSONRPC string      `json:"jsonrpc,omitempty"`
	Result  interface{} `json:"result,omitempty"`
	Error   *StratumError `json:"error,omitempty"`
}

// Notification carries no id: {method, params}.
type Notification struct {
	JSONRPC string      `json:"jsonrpc,omitempty"`
	Method  Method      `json:"method"`
	Params  interface{} `json:"params"`
}

// LoginParams is the `login` request body.
type LoginParams struct {
	Login    string   `json:"login"`
	Pass     string   `json:"pass"`
	Agent    string   `json:"agent"`
	Algo     string   `json:"algo,omitempty"`
	AlgoPerf []string `json:"algo-perf,omitempty"`
}

// JobParams is both the `job` notification body and the `job` field of a
// login/getjob result. ReservedOffset, ClientNonceOffset and ClientPoolOffset
// are the byte offsets a nicehash- or proxy-chaining-capable pool advertises
// for its reserved, worker-nonce and pool-nonce blob slots; a pool that
// doesn't support fan-out omits them.
type JobParams struct {
	Blob              string  `json:"blob"`
	JobID             string  `json:"job_id"`
	Target            string  `json:"target"`
	ID                string  `json:"id"`
	Algo              string  `json:"algo,omitempty"`
	Variant           string  `json:"variant,omitempty"`
	Height            string  `json:"height,omitempty"`
	SeedHash          string  `json:"seed_hash,omitempty"`
	ReservedOffset    *uint32 `json:"reserved_offset,omitempty"`
	ClientNonceOffset *uint32 `json:"client_nonce_offset,omitempty"`
	ClientPoolOffset  *uint32 `json:"client_pool_offset,omitempty"`
}

// LoginResult is the successful `login` response body.
type LoginResult struct {
	ID     string     `json:"id"`
	Job    *JobParams `json:"job,omitempty"`
	Status string     `json:"status"`
}

// SubmitParams is the `submit` request body.
type SubmitParams struct {
	ID          string `json:"id"`
	JobID       string `json:"job_id"`
	Nonce       string `json:"nonce"`
	Result      string `json:"result"`
	WorkerNonce string `json:"workerNonce,omitempty"`
	PoolNonce   string `json:"poolNonce,omitempty"`
}

// StatusResult is the generic `{status: "OK"}` success body shared by
// submit and keepalived replies.
type StatusResult struct {
	Status string `json:"status"`
}

// ParseLoginParams decodes a login request's params.
func ParseLoginParams(raw json.RawMessage) (LoginParams, error) {
	var p LoginParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return LoginParams{}, fmt.Errorf("protocol: decode login params: %w", err)
	}
	return p, nil
}

// ParseSubmitParams decodes a submit request's params.
func ParseSubmitParams(raw json.RawMessage) (SubmitParams, error) {
	var p SubmitParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return SubmitParams{}, fmt.Errorf("protocol: decode submit params: %w", err)
	}
	return p, nil
}

// Codec reads and writes newline-delimited JSON frames over a connection,
// shared by both the pool-facing client and the worker-facing server.
type Codec struct {
	r *bufio.Reader
	w io.Writer
}

// NewCodec wraps rw for frame-at-a-time reads and writes.
func NewCodec(rw io.ReadWriter) *Codec {
	return &Codec{r: bufio.NewReader(rw), w: rw}
}

// ReadRequest reads one newline-terminated JSON object as a Request.
func (c *Codec) ReadRequest() (Request, error) {
	line, err := c.r.ReadBytes('\n')
	if err != nil && len(line) == 0 {
		return Request{}, err
	}
	var req Request
	if err := json.Unmarshal(line, &req); err != nil {
		return Request{}, fmt.Errorf("protocol: decode request: %w", err)
	}
	return req, nil
}

// RawFrame is one newline-terminated frame as ReadFrame decodes it, without
// committing to a shape, letting the caller dispatch on whichever of {id, method} fields are
// present — the client side needs this because a frame arriving is either a
// response (has a matching id) or a notification.
type RawFrame struct {
	ID     *json.RawMessage `json:"id"`
	Method Method           `json:"method"`
	Params json.RawMessage `json:"params"`
	Result json.RawMessage `json:"result"`
	Error  *StratumError   `json:"error"`
}

func (c *Codec) ReadFrame() (RawFrame, error) {
	line, err := c.r.ReadBytes('\n')
	if err != nil && len(line) == 0 {
		return RawFrame{}, err
	}
	var f RawFrame
	if err := json.Unmarshal(line, &f); err != nil {
		return RawFrame{}, fmt.Errorf("protocol: decode frame: %w", err)
	}
	return f, nil
}

func (c *Codec) writeLine(v interface{}) error {
	buf, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("protocol: encode frame: %w", err)
	}
	buf = append(buf, '\n')
	_, err = c.w.Write(buf)
	return err
}

// WriteResponse writes a Response frame.
func (c *Codec) WriteResponse(resp Response) error { return c.writeLine(resp) }

// WriteNotification writes a Notification frame.
func (c *Codec) WriteNotification(n Notification) error { return c.writeLine(n) }

// WriteRequest writes a Request frame.
func (c *Codec) WriteRequest(req Request) error { return c.writeLine(req) }

// RequestKind distinguishes the three request types a client-side connection
// can have outstanding.
type RequestKind int

const (
	RequestLogin RequestKind = iota
	RequestGetJob
	RequestSubmit
)

// Pending is what a Tracker remembers about one in-flight request:
// its kind, and — for submit — which job it was for, so the submit's
// result can be routed back to that job's status handler. Continuation
// carries an opaque caller-defined waiter (e.g. a callback invoked once
// the matching response arrives); Begin leaves it nil, BeginWith sets it.
type Pending struct {
	Kind         RequestKind
	JobID        string
	Continuation interface{}
}

// Tracker correlates outbound request ids to their Pending bookkeeping.
type Tracker struct {
	next    int64
	pending map[int64]Pending
}

// NewTracker returns an empty Tracker whose first id is 1.
func NewTracker() *Tracker {
	return &Tracker{next: 1, pending: make(map[int64]Pending)}
}

// Begin allocates the next request id and remembers p under it.
func (t *Tracker) Begin(p Pending) int64 {
	id := t.next
	t.next++
	t.pending[id] = p
	return id
}

// BeginWith is Begin plus a continuation value attached to the Pending.
func (t *Tracker) BeginWith(p Pending, continuation interface{}) int64 {
	p.Continuation = continuation
	return t.Begin(p)
}

// Take looks up and forgets the Pending registered under id.
func (t *Tracker) Take(id int64) (Pending, bool) {
	p, ok := t.pending[id]
	if ok {
		delete(t.pending, id)
	}
	return p, ok
}

// Len reports how many requests are still outstanding.
func (t *Tracker) Len() int { return len(t.pending) }

// TakeAll forgets and returns every still-outstanding Pending, for a
// connection loss that must resolve every waiter at once.
func (t *Tracker) TakeAll() []Pending {
	out := make([]Pending, 0, len(t.pending))
	for id, p := range t.pending {
		out = append(out, p)
		delete(t.pending, id)
	}
	return out
}
