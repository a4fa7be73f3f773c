// Package machine owns the per-transaction state machines.
//
// Ownership boundary:
// - Transaction bookkeeping (flags, condition/delivery/final status)
// - shared fault handling, suspend/resume, cancel, finish, shutdown (core)
// - SenderClass1, SenderClass2, ReceiverClass1, ReceiverClass2 transitions
//
// A machine is driven only through UpdateState and is not safe for
// concurrent use; the engine serializes every call for a transaction.
// Unhandled (state, event) pairs are logged and ignored.
package machine
