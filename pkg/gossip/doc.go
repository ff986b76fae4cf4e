// Package gossip holds the contract shared by the failure monitor, the leader
// elector and the news disseminator: node addresses and their ordering,
// ranked views, wire envelopes, monitor requests and indications, and the
// transports that carry envelopes between nodes.
//
// Two transports are provided: an HTTP transport posting JSON envelopes for
// real deployments, and an in-process MemoryNetwork for tests and
// simulations that can drop, duplicate and partition traffic.
package gossip
