/*
Package transport moves the three consensus RPCs between peers.

The Transport interface is deliberately thin: send a request, get a future of
the response or a transport *Error; deliver inbound requests to the node's
registered Handler. The transport never interprets request semantics —
denied votes and higher-term replies travel inside responses, and only true
delivery failures become errors, classified by kind for the retry engine.

Two implementations:

  - InmemTransport/InmemNetwork: a simulated network for tests, with
    disconnects and symmetric partitions, delivering synchronously so
    ManualClock harnesses stay deterministic.
  - GRPCTransport: production transport with a hand-written grpc.ServiceDesc
    and a pluggable codec (JSON by default). Each outbound request carries a
    uuid correlation id in metadata; gRPC status codes map onto transport
    error kinds.
*/
package transport
