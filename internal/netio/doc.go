// Package netio provides the Link transport abstraction the packet
// orchestrator ingresses and egresses through: an in-memory loopback for
// tests, a live UDP socket, and VXLAN/Geneve-encapsulated variants for
// overlay topologies.
package netio
