// Package slsk implements the transfer core of a Soulseek peer-to-peer
// file-sharing client: resolving a peer's address through the Soulseek
// server, negotiating a file transfer over a per-peer message connection,
// and streaming the file itself over a separate transfer connection under
// a client-wide bandwidth governor.
//
// Soulseek login, search, and chat/room features are out of scope; this
// package picks up once two peers have already agreed, over whatever
// channel, that a named file is to move between them.
//
// # Getting started
//
// A Client is built around an already-authenticated ServerTransport and a
// peer.ConnectionManager:
//
//	peers, err := factory.NewFactory().NewConnectionManager("me", factory.Config{ListenAddr: ":2234"})
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	client, err := slsk.NewClient(serverTransport, peers, slsk.DefaultClientOptions())
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer client.Shutdown()
//
//	transfer, err := client.Download(ctx, "someuser", "music/track.flac", "./track.flac", nil, 0, 0, slsk.TransferOptions{
//	    StateChanged: func(ev xfer.StateChangedEvent) {
//	        log.Printf("transfer %d: %s", ev.Transfer.Token, ev.Transfer.Stage)
//	    },
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//
// # Transfer lifecycle
//
// Every transfer progresses through the stages defined in package xfer
// (QueuedLocally, Requested, QueuedRemotely, Initializing, InProgress) and
// ends in Completed with exactly one terminator (Succeeded, Cancelled,
// TimedOut, Errored, Rejected, Aborted), reported through
// Options.StateChanged and Options.ProgressUpdated. A *xfer.Transfer is
// never mutated outside its owning orchestrator goroutine; event
// subscribers receive immutable xfer.Snapshot values, and callers holding
// the returned *xfer.Transfer read it through its accessor methods.
//
// # Bandwidth control
//
// Client owns one governor.TokenBucket per direction (download, upload),
// shared by every concurrent transfer in that direction. An individual
// transfer can additionally be throttled below the client-wide rate via
// Options.Governor.
package slsk
