package exchange

// MaxConcurrentExchanges is the recommended maximum concurrent exchanges per session.
// Per Spec 4.10.5.2: "A node SHOULD limit itself to a maximum of 5 concurrent
// exchanges over a unicast session" to prevent exhausting the message counter window.
const MaxConcurrentExchanges = 5

// Note on MRP tuning: DefaultMaxRetrans and DefaultMaxExchangeContexts
// live in reliable_manager.go next to the orchestrator that consumes
// them. No exponential backoff or congestion control is performed — the
// only adaptive element is the idle/active retransmit interval split
// carried on session.Params, matching the Non-goals named in spec.md §1.
