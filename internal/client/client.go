// Package client is a small library for talking to a BRQueue broker,
// backing the cmd/publish and cmd/consume demo binaries. It is an
// external collaborator of the kernel (spec §1, "Out of scope"), not
// part of the kernel's contract.
package client

import (
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"github.com/GiorgosMarga/brqueue/internal/protocol"
)

// Client is a single authenticated connection to a BRQueue broker. It is
// safe for concurrent use: each call blocks for its own response while
// a background reader dispatches frames to the right caller by refId,
// mirroring the server session's refId-correlation rule (spec §4.2).
type Client struct {
	conn net.Conn

	refSeq atomic.Int32

	mu      sync.Mutex
	pending map[int32]chan *protocol.ResponseWrapper
	closed  bool
}

// Dial connects to addr and authenticates with username/password. The
// returned Client is ready for Enqueue/Pop/Acknowledge calls.
func Dial(addr, username, password string) (*Client, error) {
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return nil, err
	}
	c := &Client{
		conn:    conn,
		pending: make(map[int32]chan *protocol.ResponseWrapper),
	}
	go c.readLoop()

	resp, err := c.roundTrip(&protocol.RequestWrapper{
		Kind:         protocol.KindAuthenticate,
		Authenticate: &protocol.AuthenticateRequest{Username: username, Password: password},
	})
	if err != nil {
		c.Close()
		return nil, err
	}
	if !resp.Authenticate.Success {
		c.Close()
		return nil, fmt.Errorf("client: authentication rejected")
	}
	return c, nil
}

func (c *Client) readLoop() {
	for {
		body, err := protocol.ReadFrame(c.conn)
		if err != nil {
			c.failAllPending(err)
			return
		}
		resp, err := protocol.DecodeResponse(body)
		if err != nil {
			c.failAllPending(err)
			return
		}
		c.mu.Lock()
		ch, ok := c.pending[resp.RefID]
		if ok && resp.Kind != protocol.RespDelivery {
			delete(c.pending, resp.RefID)
		}
		c.mu.Unlock()
		if ok {
			ch <- resp
		}
	}
}

func (c *Client) failAllPending(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	for ref, ch := range c.pending {
		close(ch)
		delete(c.pending, ref)
	}
}

func (c *Client) roundTrip(w *protocol.RequestWrapper) (*protocol.ResponseWrapper, error) {
	w.RefID = c.refSeq.Add(1)
	ch := make(chan *protocol.ResponseWrapper, 1)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, fmt.Errorf("client: connection closed")
	}
	c.pending[w.RefID] = ch
	c.mu.Unlock()

	body, err := protocol.EncodeRequest(w)
	if err != nil {
		return nil, err
	}
	if err := protocol.WriteFrame(c.conn, body); err != nil {
		return nil, err
	}

	resp, ok := <-ch
	if !ok {
		return nil, fmt.Errorf("client: connection closed while awaiting response")
	}
	return resp, nil
}

// Enqueue admits payload with the given priority and required
// capabilities, returning the broker-assigned id (spec §4.1 enqueue).
func (c *Client) Enqueue(payload []byte, priority protocol.Priority, requiredCapabilities []string) (string, error) {
	resp, err := c.roundTrip(&protocol.RequestWrapper{
		Kind: protocol.KindEnqueue,
		Enqueue: &protocol.EnqueueRequest{
			Payload:              payload,
			Priority:             priority,
			RequiredCapabilities: requiredCapabilities,
		},
	})
	if err != nil {
		return "", err
	}
	if resp.Kind == protocol.RespError {
		return "", fmt.Errorf("client: %s", resp.Error.Message)
	}
	return resp.Enqueue.ID, nil
}

// Pop requests one message matching availableCapabilities (spec §4.1
// pop). When wait is true the call blocks until the broker delivers a
// match or the connection closes.
func (c *Client) Pop(availableCapabilities []string, wait bool) (id string, payload []byte, hadResult bool, err error) {
	resp, err := c.roundTrip(&protocol.RequestWrapper{
		Kind: protocol.KindPop,
		Pop: &protocol.PopRequest{
			AvailableCapabilities: availableCapabilities,
			WaitForMessage:        wait,
		},
	})
	if err != nil {
		return "", nil, false, err
	}
	if resp.Kind == protocol.RespError {
		return "", nil, false, fmt.Errorf("client: %s", resp.Error.Message)
	}
	return resp.Pop.ID, resp.Pop.Payload, resp.Pop.HadResult, nil
}

// Acknowledge confirms processing of id (spec §4.1 acknowledge).
func (c *Client) Acknowledge(id string) error {
	resp, err := c.roundTrip(&protocol.RequestWrapper{
		Kind:        protocol.KindAcknowledge,
		Acknowledge: &protocol.AcknowledgeRequest{ID: id},
	})
	if err != nil {
		return err
	}
	if resp.Kind == protocol.RespError {
		return fmt.Errorf("client: %s", resp.Error.Message)
	}
	return nil
}

// Delivery is one message handed to a Subscribe stream.
type Delivery struct {
	ID      string
	Payload []byte
}

// Subscribe opens the streaming variant of pop (spec §9's open question):
// the returned channel receives up to maxCount deliveries, closing once
// the broker reports the stream final or the connection ends.
func (c *Client) Subscribe(availableCapabilities []string, maxCount int32) (<-chan Delivery, error) {
	ref := c.refSeq.Add(1)
	ch := make(chan *protocol.ResponseWrapper, 8)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, fmt.Errorf("client: connection closed")
	}
	c.pending[ref] = ch
	c.mu.Unlock()

	body, err := protocol.EncodeRequest(&protocol.RequestWrapper{
		RefID: ref,
		Kind:  protocol.KindSubscribe,
		Subscribe: &protocol.SubscribeRequest{
			AvailableCapabilities: availableCapabilities,
			MaxCount:              maxCount,
		},
	})
	if err != nil {
		return nil, err
	}
	if err := protocol.WriteFrame(c.conn, body); err != nil {
		return nil, err
	}

	out := make(chan Delivery)
	go func() {
		defer close(out)
		for resp := range ch {
			if resp.Delivery.Final {
				c.mu.Lock()
				delete(c.pending, ref)
				c.mu.Unlock()
				return
			}
			out <- Delivery{ID: resp.Delivery.ID, Payload: resp.Delivery.Payload}
		}
	}()
	return out, nil
}

// Close ends the connection. Any calls blocked in roundTrip return an error.
func (c *Client) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return c.conn.Close()
}
