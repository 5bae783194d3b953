// Package buffer provides two thread-safe queue shapes: RingBuffer, a
// fixed-size buffer that overwrites its oldest entries once full (used for
// keeping a sliding window of recent items, log lines in this repo), and
// Buffer, an unbounded growable queue for a producer that must never block
// on a slow consumer (used for per-peer outbound frames in this repo).
package buffer
