// Package credential owns user identity records and verifies login
// secrets against them.
//
// [Verifier] is the only component that sees plaintext secrets. It is also
// the user-existence check consulted by the permission resolver before it
// traverses the role graph.
//
// Stores: [MemoryStore] here, and credential/postgres for production.
package credential
