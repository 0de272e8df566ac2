// Package memledger is an in-memory ledger service speaking the session
// boundary of package session. It keeps no documents: statement results come
// from a pluggable Responder. Faults can be injected per operation, which
// makes the ledger the shared fake for driver tests and the demo CLI.
package memledger
