// Package queue defines errors shared by task queue implementations.
// The queue contract lives on crawl.TaskQueue: at-least-once delivery with a
// visibility timeout, so an unacked message becomes redeliverable once its
// lease expires. Implementations here back the contract with memory (dev,
// tests) or Redis (deployment).
package queue

import "errors"

// ErrEmpty is returned by Dequeue when no message arrives within the wait.
var ErrEmpty = errors.New("queue empty")

// ErrClosed is returned once a queue has been shut down.
var ErrClosed = errors.New("queue closed")

// ErrUnknownReceipt is returned by Ack for receipts with no active lease,
// typically because the lease expired and the message was redelivered.
var ErrUnknownReceipt = errors.New("unknown receipt")
