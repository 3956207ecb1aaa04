// Package transferloop bridges a native, callback-driven multi-transfer
// networking engine to a cooperative single-threaded event loop, so many
// concurrent transfers can be driven by one loop without blocking it and
// without a thread per transfer.
//
// # Architecture
//
// The core is the [Adapter]. It owns an [Engine] instance (the native
// multi-handle), translates the engine's socket-interest and timer-deadline
// callbacks into loop primitives (readiness watches, deferred callbacks),
// and on every readiness or timeout event runs the drive loop
// ([Adapter.ProcessData]): advance engine state, drain the completion
// queue, and settle each affected transfer's [CompletionHandle] exactly
// once.
//
//	caller ──AddHandle──▶ Adapter ──▶ Engine
//	                        │  ◀─ socket/timer interest (callback bridge)
//	                        ▼
//	                      loop watches & timers ──ready──▶ ProcessData
//	                        │
//	                        ▼
//	                      CompletionHandle settles ──▶ caller awaits Done()
//
// A periodic force-timeout task drives the engine with a timeout sentinel
// so transfers that produce no socket or timer notifications (DNS-only
// concurrency, connect-timeout edge cases) still make progress.
//
// # Event Loops
//
// The adapter runs on anything satisfying [BasicLoop]. Loops that can
// watch raw descriptors implement [ReadinessLoop] and are used directly;
// anything else is transparently wrapped in a [Shim], whose auxiliary
// watcher thread forwards readiness events back onto the loop. The package
// ships [RunLoop], a single-goroutine loop over the platform poller (epoll
// on Linux, kqueue on Darwin), for use when the host program has no loop of
// its own.
//
// # Concurrency Model
//
// All adapter-visible callbacks are dispatched on the owning loop and run
// to completion without suspending; engine access is additionally
// serialized inside the adapter, so AddHandle, RemoveHandle and Close are
// safe from any goroutine. For a given transfer the completion handle
// settles at most once, strictly after the engine reports that transfer's
// terminal status, and multiple completions within one drive settle in the
// engine's message-queue order.
//
// # Errors
//
//   - [TransferError]: the engine reported a non-success status; carries
//     the status code and the failing operation name.
//   - [WatchError]: the engine requested removal of interest for an
//     untracked descriptor; a contract violation that propagates out of
//     the callback bridge.
//   - [ErrAdapterClosed], [ErrTransferCancelled], [ErrTransferRegistered]:
//     lifecycle sentinels.
//
// Transfer failures propagate only through the transfer's own completion
// handle, never out of the drive loop.
//
// # Usage
//
//	loop, err := transferloop.NewRunLoop()
//	if err != nil {
//	    log.Fatal(err)
//	}
//	go loop.Run(context.Background())
//
//	adapter, err := transferloop.NewAdapter(engine, loop)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer adapter.Close()
//
//	handle, err := adapter.AddHandle(transferloop.NewTransfer(eh, cfg))
//	if err != nil {
//	    log.Fatal(err)
//	}
//	result := <-handle.Done()
//
// This package is supported on Linux and Darwin.
package transferloop
