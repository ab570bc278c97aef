/*
Package backfill moves the data of a key region from one replica (the
backfiller) to another (the backfillee) while both keep serving traffic.

# Protocol

A session is started by the backfillee and runs over mailboxes:

	backfillee                                 backfiller
	    | -- BackfillRequest(region, metainfo, history, window) --> |  well-known mailbox
	    | <-- BackfillStart(directives, metainfo, history) -------- |  session mailbox
	    | <-- BackfillChunk(directive, seq, last, chunk) ---------- |  one credit each
	    | -- BackfillAck(credits) --------------------------------> |
	    | <-- BackfillDone -------------------------------------- |

Both sides compute the directives from the same inputs: the backfillee's
metainfo, the backfiller's metainfo and the union of both branch histories.
The backfillee rejects a start whose directives differ from its own result.

Each directive is streamed as a sequence of chunks with contiguous ranges.
The backfillee applies a chunk together with its metainfo in one step, so
the store is consistent after every chunk and an aborted session can be
resumed by starting a new one: the directives of the new session only cover
what is still missing.

# Flow control

The backfillee grants Config.WindowSize() credits up front and returns one
credit per applied chunk. A backfiller without credits waits. Every received
chunk holds a permit of the session's credit semaphore until it is applied;
a chunk that finds no free permit aborts the session with
ErrProtocolViolation.

Config.MaxConcurrentSessions limits how many sessions a node runs, and
separately how many it serves. Further sessions wait for a free slot.

# Failure

Sessions never retry internally. Run returns ErrInterrupted when the caller's
context ends (also while waiting for a slot), ErrPeerLost when the
backfiller's descriptor changes or the backfiller gives up, the history errors of package history when the branch
histories conflict or are corrupt, and ErrProtocolViolation for malformed
traffic. KindOf classifies these errors.

# Progress

The Registry keeps a Report for every active session and a bounded number
of finished ones.
*/
package backfill
