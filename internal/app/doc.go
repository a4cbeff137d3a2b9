// Package app wires the escrow, call and loyalty services over a shared
// storage layer and manages their lifecycle as one unit.
package app
