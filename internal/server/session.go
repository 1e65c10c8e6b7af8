package server

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"

	"github.com/GiorgosMarga/brqueue/internal/auth"
	"github.com/GiorgosMarga/brqueue/internal/kernel"
	"github.com/GiorgosMarga/brqueue/internal/protocol"
	"github.com/hashicorp/go-hclog"
)

// sessionState is the state machine described in spec §4.2.
type sessionState int

const (
	stateUnauth sessionState = iota
	stateReady
	stateClosed
)

// session is the per-connection state described in spec §2 (component 6)
// and §4.2: authentication flag, request/response correlation via a
// client-assigned refId, and the session id under which the kernel
// records this connection's in-flight messages and waiters (the session
// itself keeps no list of them). One session handles exactly one
// connection; reads are dispatched to their own goroutine so that a
// blocking Pop or a long Subscribe on one refId never stalls other
// concurrent requests on the same connection (spec §4.2, "Responses need
// not be delivered in request order").
type session struct {
	id   uint64
	conn net.Conn
	k    *kernel.Kernel
	auth auth.Authenticator
	log  hclog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu    sync.Mutex
	state sessionState

	sendCh chan []byte
	wg     sync.WaitGroup

	closeOnce sync.Once
	onClose   func()
}

func newSession(id uint64, conn net.Conn, k *kernel.Kernel, a auth.Authenticator, log hclog.Logger) *session {
	if log == nil {
		log = hclog.NewNullLogger()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &session{
		id:     id,
		conn:   conn,
		k:      k,
		auth:   a,
		log:    log.Named("session").With("session", id),
		ctx:    ctx,
		cancel: cancel,
		state:  stateUnauth,
		sendCh: make(chan []byte, 64),
	}
}

// run drives the session to completion: it starts the write loop, reads
// frames until the connection errors or the session is closed, then
// tears down kernel state for this session (spec §5, "Cancellation").
func (s *session) run() {
	defer s.Close()

	go s.writeLoop()

	for {
		body, err := protocol.ReadFrame(s.conn)
		if err != nil {
			if !errors.Is(err, io.EOF) {
				s.log.Debug("read failed, closing session", "error", err)
			}
			return
		}

		req, err := protocol.DecodeRequest(body)
		if err != nil {
			s.log.Debug("protocol error, closing session", "error", err)
			return
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleRequest(req)
		}()
	}
}

// Close tears down the session exactly once: cancels any blocked Pop
// owned by this session, requeues its in-flight messages and cancels any
// live waiter through the kernel (spec §4.1 Failure semantics, §5
// "Cancellation"), then closes the connection and notifies the server.
func (s *session) Close() {
	s.closeOnce.Do(func() {
		s.cancel()
		s.mu.Lock()
		s.state = stateClosed
		s.mu.Unlock()

		s.wg.Wait()

		s.k.DropSession(s.id)
		s.conn.Close()
		close(s.sendCh)

		if s.onClose != nil {
			s.onClose()
		}
	})
}

func (s *session) writeLoop() {
	for body := range s.sendCh {
		if err := protocol.WriteFrame(s.conn, body); err != nil {
			s.log.Debug("write failed", "error", err)
			return
		}
	}
}

// send enqueues a response frame, dropping it silently if the session is
// already tearing down (the peer is gone; spec §7 transport_error is not
// surfaced, by definition there is no one to surface it to).
func (s *session) send(w *protocol.ResponseWrapper) {
	body, err := protocol.EncodeResponse(w)
	if err != nil {
		s.log.Error("failed to encode response", "error", err)
		return
	}
	select {
	case s.sendCh <- body:
	case <-s.ctx.Done():
	}
}

func (s *session) sendError(refID int32, message string) {
	s.send(&protocol.ResponseWrapper{
		RefID: refID,
		Kind:  protocol.RespError,
		Error: &protocol.ErrorResponse{Message: message},
	})
}

// handleRequest dispatches one decoded request through the §4.2 state
// machine, attaching refID to whatever response it produces.
func (s *session) handleRequest(req *protocol.RequestWrapper) {
	s.mu.Lock()
	state := s.state
	s.mu.Unlock()

	if state == stateUnauth {
		if req.Kind != protocol.KindAuthenticate {
			s.sendError(req.RefID, "not authenticated")
			return
		}
		s.handleAuthenticate(req)
		return
	}

	switch req.Kind {
	case protocol.KindAuthenticate:
		// Already authenticated; re-authenticating is harmless, just
		// re-checks the credential without changing state.
		s.handleAuthenticate(req)
	case protocol.KindEnqueue:
		s.handleEnqueue(req)
	case protocol.KindPop:
		s.handlePop(req)
	case protocol.KindAcknowledge:
		s.handleAcknowledge(req)
	case protocol.KindSubscribe:
		s.handleSubscribe(req)
	default:
		s.sendError(req.RefID, "unknown request")
	}
}

func (s *session) handleAuthenticate(req *protocol.RequestWrapper) {
	ok := s.auth.Verify(req.Authenticate.Username, req.Authenticate.Password)
	if ok {
		s.mu.Lock()
		s.state = stateReady
		s.mu.Unlock()
	}
	s.send(&protocol.ResponseWrapper{
		RefID:        req.RefID,
		Kind:         protocol.RespAuthenticate,
		Authenticate: &protocol.AuthenticateResponse{Success: ok},
	})
}

func (s *session) handleEnqueue(req *protocol.RequestWrapper) {
	priority := kernel.Low
	if req.Enqueue.Priority == protocol.PriorityHigh {
		priority = kernel.High
	}
	id := s.k.Enqueue(req.Enqueue.Payload, priority, kernel.NewCapabilities(req.Enqueue.RequiredCapabilities...))
	s.send(&protocol.ResponseWrapper{
		RefID:   req.RefID,
		Kind:    protocol.RespEnqueue,
		Enqueue: &protocol.EnqueueResponse{ID: id},
	})
}

func (s *session) handlePop(req *protocol.RequestWrapper) {
	caps := kernel.NewCapabilities(req.Pop.AvailableCapabilities...)
	msg, ok, err := s.k.Pop(s.ctx, s.id, caps, req.Pop.WaitForMessage)
	if err != nil {
		// Session is closing (ctx cancelled or cancelled by DropSession);
		// there is nothing left to reply to.
		return
	}
	if !ok {
		s.send(&protocol.ResponseWrapper{
			RefID: req.RefID,
			Kind:  protocol.RespPop,
			Pop:   &protocol.PopResponse{HadResult: false},
		})
		return
	}
	s.send(&protocol.ResponseWrapper{
		RefID: req.RefID,
		Kind:  protocol.RespPop,
		Pop:   &protocol.PopResponse{HadResult: true, ID: msg.ID, Payload: msg.Payload},
	})
}

func (s *session) handleAcknowledge(req *protocol.RequestWrapper) {
	err := s.k.Acknowledge(req.Acknowledge.ID)
	if err != nil {
		if errors.Is(err, kernel.ErrUnknownID) {
			s.sendError(req.RefID, "unknown_id")
			return
		}
		s.sendError(req.RefID, err.Error())
		return
	}
	s.send(&protocol.ResponseWrapper{
		RefID:       req.RefID,
		Kind:        protocol.RespAcknowledge,
		Acknowledge: &protocol.AcknowledgeResponse{},
	})
}

// handleSubscribe drives the streaming variant (spec §9's open question):
// one request, many DeliveryResponse frames under the same refId, ending
// with a Final frame once MaxCount deliveries are exhausted or the
// session closes.
func (s *session) handleSubscribe(req *protocol.RequestWrapper) {
	caps := kernel.NewCapabilities(req.Subscribe.AvailableCapabilities...)
	sub, err := s.k.Subscribe(s.id, caps, int(req.Subscribe.MaxCount))
	if err != nil {
		s.sendError(req.RefID, err.Error())
		return
	}

	for {
		d, ok, err := sub.Next(s.ctx)
		if err != nil || !ok {
			s.send(&protocol.ResponseWrapper{
				RefID:    req.RefID,
				Kind:     protocol.RespDelivery,
				Delivery: &protocol.DeliveryResponse{Final: true},
			})
			return
		}
		s.send(&protocol.ResponseWrapper{
			RefID: req.RefID,
			Kind:  protocol.RespDelivery,
			Delivery: &protocol.DeliveryResponse{
				ID:      d.ID,
				Payload: d.Payload,
			},
		})
	}
}
