// Package xerrors classifies the error kinds enumerated in the core's
// error-handling design: transient DB errors, transfer/integrity
// failures with or without source blame, policy rejections, and
// configuration errors. Call sites use errors.Is/errors.As against
// these sentinels instead of matching on strings.
/*
 * Copyright (c) 2024, The Alpenhorn Authors. All rights reserved.
 */
package xerrors

import (
	"fmt"

	"github.com/pkg/errors"
)

// Sentinel kinds. Wrap with fmt.Errorf("...: %w", ErrX) or the
// constructors below to retain context.
var (
	// ErrTransientDB marks a database error the caller should retry a
	// bounded number of times before abandoning the current task.
	ErrTransientDB = errors.New("transient database error")

	// ErrSourceBlamed marks a transfer or integrity failure plausibly
	// caused by the source copy; the source should be marked 'M'.
	ErrSourceBlamed = errors.New("transfer failure blamed on source")

	// ErrDestBlamed marks a transfer failure that is clearly local to
	// the destination (mkstemp, local write error); the source is not
	// blamed.
	ErrDestBlamed = errors.New("transfer failure blamed on destination")

	// ErrPolicyRejected marks a policy-level rejection (group
	// membership, non-local transport pull, file does not fit) that
	// leaves the request pending for a later tick.
	ErrPolicyRejected = errors.New("policy rejected operation")

	// ErrConfig marks a fatal configuration error at I/O-instance
	// construction time; the affected node is inoperable for the tick.
	ErrConfig = errors.New("invalid io configuration")

	// ErrAborted marks cooperative shutdown requested via the process
	// abort signal.
	ErrAborted = errors.New("aborted")
)

// Wrap annotates err with a message while preserving Is/As against the
// wrapped sentinel, mirroring github.com/pkg/errors.Wrap used
// throughout the teacher's cmn package boundaries.
func Wrap(err error, sentinel error, msg string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w: %s", msg, sentinel, err.Error())
}

// IsRetryable reports whether err should be retried at the call site
// per the core's transient-DB-error policy.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrTransientDB)
}
