package lib

import (
	"fmt"

	rp "github.com/Clouded-Sabre/ringpool/lib"
)

// Payload is a fixed size datagram buffer held in the ring pool. Endpoints
// read incoming datagrams straight into one and hand it back to the pool
// once the connection has processed the segment.
type Payload struct {
	payloadBytes []byte
	length       int
}

// NewPayload creates a pool element. It takes one parameter: the buffer length.
func NewPayload(params ...interface{}) rp.DataInterface {
	if len(params) != 1 {
		log.Errorf("NewPayload: invalid number of parameters (%d), want buffer length", len(params))
		return nil
	}

	bufferLength, ok := params[0].(int)
	if !ok || bufferLength <= 0 {
		log.Errorf("NewPayload: invalid buffer length %v", params[0])
		return nil
	}

	return &Payload{
		payloadBytes: make([]byte, bufferLength),
	}
}

// SetContent sets the content of the payload
func (p *Payload) SetContent(s string) {
	p.length = copy(p.payloadBytes, s)
}

// Reset marks the payload empty. The bytes are overwritten by the next read.
func (p *Payload) Reset() {
	p.length = 0
}

// PrintContent is part of the ring pool element contract.
func (p *Payload) PrintContent() {
	fmt.Println("Content:", string(p.payloadBytes[:p.length]))
}

func (p *Payload) Copy(src []byte) error {
	if len(src) > len(p.payloadBytes) {
		return fmt.Errorf("Payload Copy: source (%d) is longer than buffer (%d)", len(src), len(p.payloadBytes))
	}
	p.length = copy(p.payloadBytes, src)
	return nil
}

// Buffer exposes the whole backing array for a read.
func (p *Payload) Buffer() []byte {
	return p.payloadBytes
}

func (p *Payload) SetLength(n int) {
	p.length = n
}

func (p *Payload) GetSlice() []byte {
	return p.payloadBytes[:p.length]
}

// datagramBuffer is one receive buffer, borrowed from the pool when possible.
type datagramBuffer struct {
	pool    *rp.RingPool
	element *rp.Element
	payload *Payload
}

func getDatagramBuffer(pool *rp.RingPool, size int) *datagramBuffer {
	if pool != nil {
		if el := pool.GetElement(); el != nil {
			if p, ok := el.Data.(*Payload); ok && len(p.payloadBytes) >= size {
				return &datagramBuffer{pool: pool, element: el, payload: p}
			}
			pool.ReturnElement(el)
		}
	}
	return &datagramBuffer{payload: &Payload{payloadBytes: make([]byte, size)}}
}

func (b *datagramBuffer) release() {
	if b.element != nil {
		b.pool.ReturnElement(b.element)
		b.element = nil
	}
}
