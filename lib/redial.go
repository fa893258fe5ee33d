package lib

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// RedialConfig controls DialWithRetry.
type RedialConfig struct {
	MaxRetries        uint64        // additional attempts after the first, 0 retries until ctx ends
	InitialBackoff    time.Duration // wait before the first retry
	MaxBackoff        time.Duration // backoff cap
	BackoffMultiplier float64       // exponential backoff multiplier (e.g., 2.0)
	OnRetry           func(err error, next time.Duration)
}

func DefaultRedialConfig() *RedialConfig {
	return &RedialConfig{
		MaxRetries:        5,
		InitialBackoff:    500 * time.Millisecond,
		MaxBackoff:        10 * time.Second,
		BackoffMultiplier: 2.0,
	}
}

func (rc *RedialConfig) backOff(ctx context.Context) backoff.BackOff {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = rc.InitialBackoff
	eb.MaxInterval = rc.MaxBackoff
	eb.Multiplier = rc.BackoffMultiplier
	eb.MaxElapsedTime = 0

	var b backoff.BackOff = eb
	if rc.MaxRetries > 0 {
		b = backoff.WithMaxRetries(b, rc.MaxRetries)
	}
	return backoff.WithContext(b, ctx)
}

// DialWithRetry calls DialRdt until a connection is established, backing off
// between attempts. Only failures a later attempt could cure are retried: a
// handshake that timed out or was reset.
func (p *RdtCore) DialWithRetry(ctx context.Context, localIP, serverIP string, serverPort int, rc *RedialConfig) (*Connection, error) {
	return redial(ctx, rc, func(ctx context.Context) (*Connection, error) {
		return p.DialRdt(ctx, localIP, serverIP, serverPort)
	})
}

func redial(ctx context.Context, rc *RedialConfig, dial func(context.Context) (*Connection, error)) (*Connection, error) {
	if rc == nil {
		rc = DefaultRedialConfig()
	}

	var conn *Connection
	attempt := 0
	operation := func() error {
		attempt++
		c, err := dial(ctx)
		if err != nil {
			if !retryable(err) {
				return backoff.Permanent(err)
			}
			return err
		}
		conn = c
		return nil
	}
	notify := func(err error, next time.Duration) {
		log.Infof("dial attempt %d failed: %v, retrying in %s", attempt, err, next)
		if rc.OnRetry != nil {
			rc.OnRetry(err, next)
		}
	}

	if err := backoff.RetryNotify(operation, rc.backOff(ctx), notify); err != nil {
		return nil, err
	}
	return conn, nil
}

func retryable(err error) bool {
	return errors.Is(err, ErrConnectionAborted) || errors.Is(err, ErrConnectionReset)
}
