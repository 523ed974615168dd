package domain

import "errors"

// Error taxonomy for the orchestration core. Callers wrap these with
// context via fmt.Errorf("...: %w", Err...) and match with errors.Is.
var (
	// ErrVerification: the handshake code did not match. User-facing,
	// session unaffected.
	ErrVerification = errors.New("verification code mismatch")

	// ErrBind: a listening endpoint could not be established.
	ErrBind = errors.New("bind failed")

	// ErrPoolExhausted: no free port in the configured range.
	ErrPoolExhausted = errors.New("port pool exhausted")

	// ErrHandshakeTimeout: the client did not complete the handshake in time.
	ErrHandshakeTimeout = errors.New("handshake timed out")

	// ErrConnection: transport failure, retried per policy before surfacing.
	ErrConnection = errors.New("connection failed")

	// ErrProcessLaunch: an external process could not be started.
	ErrProcessLaunch = errors.New("process launch failed")

	// ErrUnauthorized: a message arrived from an unverified client.
	ErrUnauthorized = errors.New("client not verified")
)
