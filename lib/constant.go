package lib

import "time"

// Wire layout
const (
	HeaderLength   = 12 // sequence(4) + type(2) + checksum(2) + size(2) + padding(2)
	MaxSegmentSize = 1300
	// largest payload a single UDP datagram can carry under the header
	MaxPayloadLength = 65507 - HeaderLength

	offSequence = 0
	offType     = 4
	offChecksum = 6
	offSize     = 8
	offPadding  = 10
)

// Protocol defaults
const (
	MaxRetries   = 5 // retransmissions before a connection is aborted
	MaxErrors    = 5 // consecutive transport send failures tolerated
	HandshakeRTO = 200 * time.Millisecond
	MinRTO       = 1 * time.Second
	MaxRTO       = 60 * time.Second
)
