// Package port finds free TCP ports and books them for domains.
//
// The Scanner lists the ports currently in LISTEN state on the host by
// reading a SocketTable (the output of `netstat -lnt`, or /proc/net/tcp),
// and memoizes the result briefly so bursts of booking attempts do not each
// shell out.
//
// The Ledger hands out ports from a discovery range. A booking excludes the
// listening ports and every other live booking, starts at a uniformly random
// offset and probes forward with wraparound, so the search is bounded by the
// size of the range. Bookings expire after a fixed TTL.
package port
