package logstore

import "errors"

// Sentinel errors, checked with errors.Is by callers. Filesystem failures
// are surfaced as whatever the stdlib os/io package returns (wrapped with
// fmt.Errorf("...: %w", err) at the call site) rather than funneled
// through a distinct IoError type: errors.Is/As over the stdlib's own
// error values already gives callers everything a redundant wrapper
// type would.
var (
	// ErrCorruptLog is returned when a header's magic, or an entry's
	// framing, cannot be trusted and recovery could not repair it by
	// truncation.
	ErrCorruptLog = errors.New("statehistory: corrupt log")

	// ErrUnsupportedVersion is returned when a header's magic decodes to
	// a known tag but an unknown version.
	ErrUnsupportedVersion = errors.New("statehistory: unsupported log version")

	// ErrOutOfRange is returned when a requested block number is below
	// begin or at/above end.
	ErrOutOfRange = errors.New("statehistory: block number out of range")

	// ErrForkMismatch is returned when a submitted entry cannot be
	// attached to the writer's tip: its block number does not continue
	// the log (after any fork rewind), or the fork point lies in an
	// already retained segment, which is never rewound.
	ErrForkMismatch = errors.New("statehistory: fork mismatch")

	// ErrLengthChanged is returned when a modify_entry transform alters
	// the payload's byte length.
	ErrLengthChanged = errors.New("statehistory: modify_entry transform changed payload length")

	// ErrClosed is returned by writes (StoreEntry, ModifyEntry on the
	// active segment, Rebuild) attempted after Stop/LightStop, and to
	// queued writes that LightStop discards.
	ErrClosed = errors.New("statehistory: log closed")

	// ErrWriterFaulted is returned by synchronous operations once the
	// asynchronous writer has latched an unrecoverable error.
	ErrWriterFaulted = errors.New("statehistory: writer faulted, refusing further writes")

	// ErrStrideShrunk is returned at open when the active segment
	// already holds stride or more blocks, i.e. at least as many as a
	// segment holds when it is rotated (as after the operator lowered
	// stride between runs). Open refuses such a log rather than silently
	// truncating it.
	ErrStrideShrunk = errors.New("statehistory: stride is smaller than the active segment's current length")
)
