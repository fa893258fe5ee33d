package lib

import (
	"fmt"
	"math"
	"net"
)

func SeqIncrementBy(seq, inc uint32) uint32 {
	return uint32(uint64(seq) + uint64(inc)) // implicit modulo operation included
}

// seqDistance returns how many bytes lie between from and to, walking forward.
func seqDistance(from, to uint32) uint32 {
	return to - from
}

// SEQ compare function with SEQ wraparound in mind
func isGreater(seq1, seq2 uint32) bool {
	if seq1 == seq2 {
		return false
	}
	// Calculate direct difference
	var diff, wrapdiff, distance int64
	diff = int64(seq1) - int64(seq2)
	if diff < 0 {
		diff = -diff
	}
	wrapdiff = int64(math.MaxUint32 + 1 - diff)

	// Choose the shorter distance
	if diff < wrapdiff {
		distance = diff
	} else {
		distance = wrapdiff
	}

	return (distance+int64(seq2))%(math.MaxUint32+1) == int64(seq1)
}

func isGreaterOrEqual(seq1, seq2 uint32) bool {
	return isGreater(seq1, seq2) || (seq1 == seq2)
}

func isLess(seq1, seq2 uint32) bool {
	return !isGreaterOrEqual(seq1, seq2)
}

func isLessOrEqual(seq1, seq2 uint32) bool {
	return !isGreater(seq1, seq2)
}

// TimeoutError is returned when a segment exhausted its retransmissions.
// It matches ErrConnectionAborted under errors.Is.
type TimeoutError struct {
	msg string
}

func (e *TimeoutError) Error() string {
	return e.msg
}

func (e *TimeoutError) Timeout() bool {
	return true
}

func (e *TimeoutError) Temporary() bool {
	return false
}

func (e *TimeoutError) Is(target error) bool {
	return target == ErrConnectionAborted
}

// findLocalIP selects a local IPv4 address that is in the same subnet as the targetIP,
// falling back to the first non-loopback address. Loopback targets get the loopback address.
func findLocalIP(targetIP string) (string, error) {
	target := net.ParseIP(targetIP)
	if target == nil {
		return "", fmt.Errorf("invalid target IP: %s", targetIP)
	}
	if target.IsLoopback() {
		return "127.0.0.1", nil
	}

	// Assume a /24 subnet mask for simplicity
	targetNet := &net.IPNet{
		IP:   target,
		Mask: net.CIDRMask(24, 32),
	}

	interfaces, err := net.Interfaces()
	if err != nil {
		return "", fmt.Errorf("failed to get network interfaces: %v", err)
	}

	var fallback string
	for _, iface := range interfaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}

		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}

		for _, addr := range addrs {
			ipNet, ok := addr.(*net.IPNet)
			if !ok || ipNet.IP.To4() == nil {
				continue
			}
			ip := ipNet.IP
			if fallback == "" {
				fallback = ip.String()
			}

			localNet := &net.IPNet{
				IP:   ip,
				Mask: net.CIDRMask(24, 32),
			}
			if localNet.Contains(target) || targetNet.Contains(ip) {
				return ip.String(), nil
			}
		}
	}

	if fallback != "" {
		return fallback, nil
	}
	return "", fmt.Errorf("no suitable local IP found for target %s", targetIP)
}
