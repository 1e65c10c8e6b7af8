package server

import (
	"net"
	"testing"
	"time"

	"github.com/GiorgosMarga/brqueue/internal/auth"
	"github.com/GiorgosMarga/brqueue/internal/kernel"
	"github.com/GiorgosMarga/brqueue/internal/protocol"
	"github.com/stretchr/testify/require"
)

// testHarness pairs a running session (serving one end of a net.Pipe)
// with the client end the test drives directly.
type testHarness struct {
	t      *testing.T
	client net.Conn
	sess   *session
	k      *kernel.Kernel
	refSeq int32
}

func newHarness(t *testing.T) *testHarness {
	t.Helper()
	a, err := auth.NewStatic("guest", "guest")
	require.NoError(t, err)
	k := kernel.New(nil)

	clientConn, serverConn := net.Pipe()
	sess := newSession(1, serverConn, k, a, nil)
	go sess.run()

	h := &testHarness{t: t, client: clientConn, sess: sess, k: k}
	t.Cleanup(func() { clientConn.Close() })
	return h
}

func (h *testHarness) nextRef() int32 {
	h.refSeq++
	return h.refSeq
}

func (h *testHarness) send(w *protocol.RequestWrapper) {
	h.t.Helper()
	body, err := protocol.EncodeRequest(w)
	require.NoError(h.t, err)
	require.NoError(h.t, protocol.WriteFrame(h.client, body))
}

func (h *testHarness) recv() *protocol.ResponseWrapper {
	h.t.Helper()
	h.client.SetReadDeadline(time.Now().Add(2 * time.Second))
	body, err := protocol.ReadFrame(h.client)
	require.NoError(h.t, err)
	resp, err := protocol.DecodeResponse(body)
	require.NoError(h.t, err)
	return resp
}

func (h *testHarness) authenticate(username, password string) *protocol.ResponseWrapper {
	ref := h.nextRef()
	h.send(&protocol.RequestWrapper{
		RefID:        ref,
		Kind:         protocol.KindAuthenticate,
		Authenticate: &protocol.AuthenticateRequest{Username: username, Password: password},
	})
	return h.recv()
}

func TestSessionRejectsUnauthenticatedRequest(t *testing.T) {
	h := newHarness(t)

	ref := h.nextRef()
	h.send(&protocol.RequestWrapper{
		RefID: ref,
		Kind:  protocol.KindEnqueue,
		Enqueue: &protocol.EnqueueRequest{
			Payload: []byte("x"),
		},
	})
	resp := h.recv()
	require.Equal(t, protocol.RespError, resp.Kind)
	require.Equal(t, ref, resp.RefID, "refId not echoed")
}

func TestSessionAuthenticateWrongCredentialStaysUnauth(t *testing.T) {
	h := newHarness(t)

	resp := h.authenticate("guest", "wrong")
	require.Equal(t, protocol.RespAuthenticate, resp.Kind)
	require.False(t, resp.Authenticate.Success)

	ref := h.nextRef()
	h.send(&protocol.RequestWrapper{RefID: ref, Kind: protocol.KindEnqueue, Enqueue: &protocol.EnqueueRequest{}})
	resp = h.recv()
	require.Equal(t, protocol.RespError, resp.Kind, "expected still-unauthenticated error")
}

func TestSessionEnqueuePopAcknowledge(t *testing.T) {
	h := newHarness(t)

	resp := h.authenticate("guest", "guest")
	require.True(t, resp.Authenticate.Success)

	enqRef := h.nextRef()
	h.send(&protocol.RequestWrapper{
		RefID: enqRef,
		Kind:  protocol.KindEnqueue,
		Enqueue: &protocol.EnqueueRequest{
			Payload:  []byte("hello"),
			Priority: protocol.PriorityHigh,
		},
	})
	resp = h.recv()
	require.Equal(t, protocol.RespEnqueue, resp.Kind)
	require.Equal(t, enqRef, resp.RefID)
	id := resp.Enqueue.ID

	popRef := h.nextRef()
	h.send(&protocol.RequestWrapper{
		RefID: popRef,
		Kind:  protocol.KindPop,
		Pop:   &protocol.PopRequest{WaitForMessage: false},
	})
	resp = h.recv()
	require.Equal(t, protocol.RespPop, resp.Kind)
	require.True(t, resp.Pop.HadResult)
	require.Equal(t, id, resp.Pop.ID)
	require.Equal(t, "hello", string(resp.Pop.Payload))

	ackRef := h.nextRef()
	h.send(&protocol.RequestWrapper{
		RefID:       ackRef,
		Kind:        protocol.KindAcknowledge,
		Acknowledge: &protocol.AcknowledgeRequest{ID: id},
	})
	resp = h.recv()
	require.Equal(t, protocol.RespAcknowledge, resp.Kind)
	require.Equal(t, ackRef, resp.RefID)

	// Duplicate ack must fail with unknown_id.
	dupRef := h.nextRef()
	h.send(&protocol.RequestWrapper{
		RefID:       dupRef,
		Kind:        protocol.KindAcknowledge,
		Acknowledge: &protocol.AcknowledgeRequest{ID: id},
	})
	resp = h.recv()
	require.Equal(t, protocol.RespError, resp.Kind, "expected unknown_id error")
	require.Equal(t, dupRef, resp.RefID)
}

func TestSessionRefIDCorrelationOutOfOrder(t *testing.T) {
	h := newHarness(t)
	require.True(t, h.authenticate("guest", "guest").Authenticate.Success)

	// A blocking pop with no match should not prevent a concurrent
	// enqueue's response (on a different refId) from arriving first.
	blockRef := h.nextRef()
	h.send(&protocol.RequestWrapper{
		RefID: blockRef,
		Kind:  protocol.KindPop,
		Pop:   &protocol.PopRequest{WaitForMessage: true},
	})
	time.Sleep(50 * time.Millisecond) // let the pop's waiter register before enqueuing

	enqRef := h.nextRef()
	h.send(&protocol.RequestWrapper{
		RefID:   enqRef,
		Kind:    protocol.KindEnqueue,
		Enqueue: &protocol.EnqueueRequest{Payload: []byte("x")},
	})

	seen := map[int32]*protocol.ResponseWrapper{}
	for len(seen) < 2 {
		resp := h.recv()
		seen[resp.RefID] = resp
	}

	require.Equal(t, protocol.RespEnqueue, seen[enqRef].Kind)
	require.Equal(t, protocol.RespPop, seen[blockRef].Kind)
	require.True(t, seen[blockRef].Pop.HadResult, "expected the blocked pop to have matched the enqueue")
}
