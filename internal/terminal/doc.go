// Package terminal coordinates browser clients with the shell processes of
// their terminal sessions.
//
// A connection moves through these states:
//
//	Connecting -> Authenticated -> SessionResolved -> Attached -> Active -> Detached
//
// Authenticate turns a bearer token into an AuthenticatedClient, which is
// the only identity carried past that point. Attach resolves the requested
// session (reusing it when it is active and owned by the same user, creating
// a fresh one otherwise), makes sure a process is running, replays the
// transcript to the joining client on reconnect, and registers the client
// for fan-out. Detach only removes the client; the shell keeps running.
//
// Everything that touches one session's transcript, attached clients or
// quota consumption runs under that session's lock. Process output is
// persisted and fanned out under the same lock, so a joining client gets
// exactly the history up to its attach and the live tail after it.
package terminal
