package realtime

// Logging convention in the `realtime` package:
// Info:
//     essential events for abnormal behavior. This level should be silent on
//     normal operation, with the exception of infrequent lifecycle data that
//     is useful for monitoring
//     this includes:
//     - connection state transitions and reconnect scheduling
//     - dropped malformed events and retry budget exhaustion
// Error:
//     unrecoverable crash details
//     this includes:
//     - unexpected panics even if handled and suppressed for partial operation
// V(2):
//     key events for trace debugging
//     this includes:
//     - per-event pipeline trace with short bracketed tags that can be used
//       to filter: [c] connection, [n] normalize, [f] filter, [s] store,
//       [hm] health monitor
//     - frequent events - e.g. receive, apply, ack - at most one line each
