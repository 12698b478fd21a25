// Package takrust is a TAK / SAPIENT interoperability runtime.
//
// It ingests sensor observations delivered in the SAPIENT message
// family over length-prefixed TCP, translates them deterministically
// into Cursor-on-Target (CoT) events, and emits those events to TAK
// peers over UDP, TCP, mutually-authenticated TLS, or WebSocket using
// either legacy XML delimiter framing or the TAK Protocol v1
// varint-length-prefixed binary framing negotiated at runtime.
//
// # Architecture
//
// The module is a layered, acyclic component graph, leaves first:
//
//   - limits: the validated resource-budget contract every boundary
//     consumes
//   - cot: CoT event primitives with validating factories and the
//     ordered extensible detail payload
//   - envelope: observed-time message envelopes and the generic
//     sink/source contracts
//   - cotxml: bounded XML codec with ordered detail preservation
//   - takproto: TAK Protocol v1 protobuf payload codec
//   - wire: legacy/binary framings, the upgrade negotiator, mesh
//     version tracking, and negotiation telemetry
//   - transport: UDP/TCP/TLS/WebSocket carriers with bounded priority
//     and coalescing send queues
//   - sapient: the length-prefixed SAPIENT session and codec
//   - bridge: the deterministic correlate/dedup/time/map/smooth/emit
//     pipeline
//   - record: the .takrec chunked capture container with index,
//     CRC32C checksums, and optional integrity chain
//
// Data flows SAPIENT session -> bridge pipeline -> CoT sink (carrier,
// recorder, or broker). For identical configuration and input, the
// bridge's emitted CoT byte sequence is identical across runs and
// across replay.
package takrust
