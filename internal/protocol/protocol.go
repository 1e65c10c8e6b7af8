package protocol

import (
	"encoding/binary"
	"fmt"
)

// RequestKind tags which variant a RequestWrapper body decodes as.
type RequestKind byte

const (
	KindAuthenticate RequestKind = iota
	KindEnqueue
	KindPop
	KindAcknowledge
	KindSubscribe
)

// ResponseKind tags which variant a ResponseWrapper body decodes as.
type ResponseKind byte

const (
	RespAuthenticate ResponseKind = iota
	RespEnqueue
	RespPop
	RespAcknowledge
	RespError
	RespDelivery
)

// Priority mirrors spec §6's wire enum: LOW=0, HIGH=1.
type Priority byte

const (
	PriorityLow Priority = iota
	PriorityHigh
)

// AuthenticateRequest carries the single shared credential (spec §4.3, §6).
type AuthenticateRequest struct {
	Username string
	Password string
}

// EnqueueRequest is the wire shape of enqueue (spec §6).
type EnqueueRequest struct {
	Payload              []byte
	Priority             Priority
	RequiredCapabilities []string
}

// PopRequest is the wire shape of pop (spec §6).
type PopRequest struct {
	AvailableCapabilities []string
	WaitForMessage        bool
}

// AcknowledgeRequest is the wire shape of acknowledge (spec §6).
type AcknowledgeRequest struct {
	ID string
}

// SubscribeRequest is the streaming variant discussed in spec §9's open
// question: a single request that elicits many DeliveryResponse frames
// under the same refId until MaxCount deliveries have been made.
type SubscribeRequest struct {
	AvailableCapabilities []string
	MaxCount              int32
}

// RequestWrapper is one request frame body (spec §6): a client-assigned
// refId plus exactly one populated body.
type RequestWrapper struct {
	RefID        int32
	Kind         RequestKind
	Authenticate *AuthenticateRequest
	Enqueue      *EnqueueRequest
	Pop          *PopRequest
	Acknowledge  *AcknowledgeRequest
	Subscribe    *SubscribeRequest
}

// AuthenticateResponse reports whether the credential was accepted.
type AuthenticateResponse struct {
	Success bool
}

// EnqueueResponse carries the freshly generated message id.
type EnqueueResponse struct {
	ID string
}

// PopResponse is unset payload/id when HadResult is false (spec §6).
type PopResponse struct {
	HadResult bool
	ID        string
	Payload   []byte
}

// AcknowledgeResponse carries no fields; its presence is the signal.
type AcknowledgeResponse struct{}

// ErrorResponse surfaces one of the kinds in spec §7.
type ErrorResponse struct {
	Message string
}

// DeliveryResponse is one subscribe delivery. Final is set on the frame
// that closes the stream (remaining exhausted, or the session ended)
// and carries no message.
type DeliveryResponse struct {
	ID      string
	Payload []byte
	Final   bool
}

// ResponseWrapper is one response frame body (spec §6).
type ResponseWrapper struct {
	RefID        int32
	Kind         ResponseKind
	Authenticate *AuthenticateResponse
	Enqueue      *EnqueueResponse
	Pop          *PopResponse
	Acknowledge  *AcknowledgeResponse
	Error        *ErrorResponse
	Delivery     *DeliveryResponse
}

// encoder appends wire-primitives to an in-progress body buffer, the
// same manual little-endian layout the teacher's message.Bytes() and
// wal.go headers use.
type encoder struct {
	buf []byte
}

func (e *encoder) writeByte(b byte) { e.buf = append(e.buf, b) }

func (e *encoder) writeBool(b bool) {
	if b {
		e.writeByte(1)
	} else {
		e.writeByte(0)
	}
}

func (e *encoder) writeUint16(v uint16) {
	var b [2]byte
	binary.LittleEndian.PutUint16(b[:], v)
	e.buf = append(e.buf, b[:]...)
}

func (e *encoder) writeInt32(v int32) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], uint32(v))
	e.buf = append(e.buf, b[:]...)
}

func (e *encoder) writeUint32(v uint32) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	e.buf = append(e.buf, b[:]...)
}

func (e *encoder) writeBytes(b []byte) {
	e.writeUint32(uint32(len(b)))
	e.buf = append(e.buf, b...)
}

func (e *encoder) writeString(s string) {
	e.writeUint16(uint16(len(s)))
	e.buf = append(e.buf, s...)
}

func (e *encoder) writeStrings(ss []string) {
	e.writeUint16(uint16(len(ss)))
	for _, s := range ss {
		e.writeString(s)
	}
}

// decoder is the matching cursor-based reader. Every method returns an
// error on truncated input rather than panicking, so a malformed frame
// surfaces as protocol_error (spec §7) instead of crashing the session.
type decoder struct {
	buf []byte
	pos int
}

func (d *decoder) remaining() int { return len(d.buf) - d.pos }

func (d *decoder) readByte() (byte, error) {
	if d.remaining() < 1 {
		return 0, errShortBuffer
	}
	b := d.buf[d.pos]
	d.pos++
	return b, nil
}

func (d *decoder) readBool() (bool, error) {
	b, err := d.readByte()
	return b != 0, err
}

func (d *decoder) readUint16() (uint16, error) {
	if d.remaining() < 2 {
		return 0, errShortBuffer
	}
	v := binary.LittleEndian.Uint16(d.buf[d.pos:])
	d.pos += 2
	return v, nil
}

func (d *decoder) readInt32() (int32, error) {
	if d.remaining() < 4 {
		return 0, errShortBuffer
	}
	v := binary.LittleEndian.Uint32(d.buf[d.pos:])
	d.pos += 4
	return int32(v), nil
}

func (d *decoder) readUint32() (uint32, error) {
	if d.remaining() < 4 {
		return 0, errShortBuffer
	}
	v := binary.LittleEndian.Uint32(d.buf[d.pos:])
	d.pos += 4
	return v, nil
}

func (d *decoder) readBytes() ([]byte, error) {
	n, err := d.readUint32()
	if err != nil {
		return nil, err
	}
	if d.remaining() < int(n) {
		return nil, errShortBuffer
	}
	b := make([]byte, n)
	copy(b, d.buf[d.pos:d.pos+int(n)])
	d.pos += int(n)
	return b, nil
}

func (d *decoder) readString() (string, error) {
	n, err := d.readUint16()
	if err != nil {
		return "", err
	}
	if d.remaining() < int(n) {
		return "", errShortBuffer
	}
	s := string(d.buf[d.pos : d.pos+int(n)])
	d.pos += int(n)
	return s, nil
}

func (d *decoder) readStrings() ([]string, error) {
	n, err := d.readUint16()
	if err != nil {
		return nil, err
	}
	out := make([]string, n)
	for i := range out {
		s, err := d.readString()
		if err != nil {
			return nil, err
		}
		out[i] = s
	}
	return out, nil
}

// EncodeRequest renders w as a frame body (refId + kind + payload).
func EncodeRequest(w *RequestWrapper) ([]byte, error) {
	e := &encoder{}
	e.writeInt32(w.RefID)
	e.writeByte(byte(w.Kind))
	switch w.Kind {
	case KindAuthenticate:
		if w.Authenticate == nil {
			return nil, fmt.Errorf("protocol: Authenticate kind with nil body")
		}
		e.writeString(w.Authenticate.Username)
		e.writeString(w.Authenticate.Password)
	case KindEnqueue:
		if w.Enqueue == nil {
			return nil, fmt.Errorf("protocol: Enqueue kind with nil body")
		}
		e.writeByte(byte(w.Enqueue.Priority))
		e.writeStrings(w.Enqueue.RequiredCapabilities)
		e.writeBytes(w.Enqueue.Payload)
	case KindPop:
		if w.Pop == nil {
			return nil, fmt.Errorf("protocol: Pop kind with nil body")
		}
		e.writeBool(w.Pop.WaitForMessage)
		e.writeStrings(w.Pop.AvailableCapabilities)
	case KindAcknowledge:
		if w.Acknowledge == nil {
			return nil, fmt.Errorf("protocol: Acknowledge kind with nil body")
		}
		e.writeString(w.Acknowledge.ID)
	case KindSubscribe:
		if w.Subscribe == nil {
			return nil, fmt.Errorf("protocol: Subscribe kind with nil body")
		}
		e.writeInt32(w.Subscribe.MaxCount)
		e.writeStrings(w.Subscribe.AvailableCapabilities)
	default:
		return nil, fmt.Errorf("protocol: unknown request kind %d", w.Kind)
	}
	return e.buf, nil
}

// DecodeRequest parses a frame body produced by EncodeRequest.
func DecodeRequest(body []byte) (*RequestWrapper, error) {
	d := &decoder{buf: body}
	refID, err := d.readInt32()
	if err != nil {
		return nil, err
	}
	kindByte, err := d.readByte()
	if err != nil {
		return nil, err
	}
	w := &RequestWrapper{RefID: refID, Kind: RequestKind(kindByte)}
	switch w.Kind {
	case KindAuthenticate:
		username, err := d.readString()
		if err != nil {
			return nil, err
		}
		password, err := d.readString()
		if err != nil {
			return nil, err
		}
		w.Authenticate = &AuthenticateRequest{Username: username, Password: password}
	case KindEnqueue:
		priority, err := d.readByte()
		if err != nil {
			return nil, err
		}
		caps, err := d.readStrings()
		if err != nil {
			return nil, err
		}
		payload, err := d.readBytes()
		if err != nil {
			return nil, err
		}
		w.Enqueue = &EnqueueRequest{Payload: payload, Priority: Priority(priority), RequiredCapabilities: caps}
	case KindPop:
		wait, err := d.readBool()
		if err != nil {
			return nil, err
		}
		caps, err := d.readStrings()
		if err != nil {
			return nil, err
		}
		w.Pop = &PopRequest{AvailableCapabilities: caps, WaitForMessage: wait}
	case KindAcknowledge:
		id, err := d.readString()
		if err != nil {
			return nil, err
		}
		w.Acknowledge = &AcknowledgeRequest{ID: id}
	case KindSubscribe:
		maxCount, err := d.readInt32()
		if err != nil {
			return nil, err
		}
		caps, err := d.readStrings()
		if err != nil {
			return nil, err
		}
		w.Subscribe = &SubscribeRequest{AvailableCapabilities: caps, MaxCount: maxCount}
	default:
		return nil, fmt.Errorf("protocol: unknown request kind %d", w.Kind)
	}
	return w, nil
}

// EncodeResponse renders w as a frame body (refId + kind + payload).
func EncodeResponse(w *ResponseWrapper) ([]byte, error) {
	e := &encoder{}
	e.writeInt32(w.RefID)
	e.writeByte(byte(w.Kind))
	switch w.Kind {
	case RespAuthenticate:
		if w.Authenticate == nil {
			return nil, fmt.Errorf("protocol: Authenticate kind with nil body")
		}
		e.writeBool(w.Authenticate.Success)
	case RespEnqueue:
		if w.Enqueue == nil {
			return nil, fmt.Errorf("protocol: Enqueue kind with nil body")
		}
		e.writeString(w.Enqueue.ID)
	case RespPop:
		if w.Pop == nil {
			return nil, fmt.Errorf("protocol: Pop kind with nil body")
		}
		e.writeBool(w.Pop.HadResult)
		if w.Pop.HadResult {
			e.writeString(w.Pop.ID)
			e.writeBytes(w.Pop.Payload)
		}
	case RespAcknowledge:
		// no fields
	case RespError:
		if w.Error == nil {
			return nil, fmt.Errorf("protocol: Error kind with nil body")
		}
		e.writeString(w.Error.Message)
	case RespDelivery:
		if w.Delivery == nil {
			return nil, fmt.Errorf("protocol: Delivery kind with nil body")
		}
		e.writeBool(w.Delivery.Final)
		if !w.Delivery.Final {
			e.writeString(w.Delivery.ID)
			e.writeBytes(w.Delivery.Payload)
		}
	default:
		return nil, fmt.Errorf("protocol: unknown response kind %d", w.Kind)
	}
	return e.buf, nil
}

// DecodeResponse parses a frame body produced by EncodeResponse.
func DecodeResponse(body []byte) (*ResponseWrapper, error) {
	d := &decoder{buf: body}
	refID, err := d.readInt32()
	if err != nil {
		return nil, err
	}
	kindByte, err := d.readByte()
	if err != nil {
		return nil, err
	}
	w := &ResponseWrapper{RefID: refID, Kind: ResponseKind(kindByte)}
	switch w.Kind {
	case RespAuthenticate:
		success, err := d.readBool()
		if err != nil {
			return nil, err
		}
		w.Authenticate = &AuthenticateResponse{Success: success}
	case RespEnqueue:
		id, err := d.readString()
		if err != nil {
			return nil, err
		}
		w.Enqueue = &EnqueueResponse{ID: id}
	case RespPop:
		hadResult, err := d.readBool()
		if err != nil {
			return nil, err
		}
		resp := &PopResponse{HadResult: hadResult}
		if hadResult {
			if resp.ID, err = d.readString(); err != nil {
				return nil, err
			}
			if resp.Payload, err = d.readBytes(); err != nil {
				return nil, err
			}
		}
		w.Pop = resp
	case RespAcknowledge:
		w.Acknowledge = &AcknowledgeResponse{}
	case RespError:
		msg, err := d.readString()
		if err != nil {
			return nil, err
		}
		w.Error = &ErrorResponse{Message: msg}
	case RespDelivery:
		final, err := d.readBool()
		if err != nil {
			return nil, err
		}
		resp := &DeliveryResponse{Final: final}
		if !final {
			if resp.ID, err = d.readString(); err != nil {
				return nil, err
			}
			if resp.Payload, err = d.readBytes(); err != nil {
				return nil, err
			}
		}
		w.Delivery = resp
	default:
		return nil, fmt.Errorf("protocol: unknown response kind %d", w.Kind)
	}
	return w, nil
}
