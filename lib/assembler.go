package lib

// ReceiveAssembler collects in-order payload bytes of one connection.
type ReceiveAssembler struct {
	buf []byte
}

func newReceiveAssembler() *ReceiveAssembler {
	return &ReceiveAssembler{}
}

// Append copies payload at the current write position. The caller has
// already checked that payload starts at the next expected offset.
func (a *ReceiveAssembler) Append(payload []byte) {
	a.buf = append(a.buf, payload...)
}

// Truncate drops everything past n bytes.
func (a *ReceiveAssembler) Truncate(n int) {
	if n < len(a.buf) {
		a.buf = a.buf[:n]
	}
}

func (a *ReceiveAssembler) Len() int {
	return len(a.buf)
}

// Finalize returns the collected bytes. The result is only known to be
// complete if the connection closed cleanly.
func (a *ReceiveAssembler) Finalize() []byte {
	out := make([]byte, len(a.buf))
	copy(out, a.buf)
	return out
}
