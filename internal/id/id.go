// Package id generates the opaque identifiers assigned to trees, nodes and stream clients.
package id

import (
	"fmt"

	gonanoid "github.com/matoous/go-nanoid/v2"
)

// Prefixes used for server-assigned identifiers.
const (
	PrefixTree   = "tree"
	PrefixNode   = "node"
	PrefixClient = "client"
)

// Generate creates a prefixed unique ID using NanoID,
// e.g. "node-V1StGXR8_Z5jdHi6B-myT".
//
// Returns an error if the system has insufficient entropy for secure random generation.
func Generate(prefix string) (string, error) {
	nid, err := gonanoid.New()
	if err != nil {
		return "", fmt.Errorf("generate nanoid: %w", err)
	}
	return prefix + "-" + nid, nil
}

// MustGenerate is like Generate but panics if ID generation fails.
func MustGenerate(prefix string) string {
	nid, err := Generate(prefix)
	if err != nil {
		panic(fmt.Sprintf("failed to generate ID: %v", err))
	}
	return nid
}

// NewNodeID returns a fresh node identifier.
func NewNodeID() (string, error) {
	return Generate(PrefixNode)
}

// NewTreeID returns a fresh tree identifier.
func NewTreeID() (string, error) {
	return Generate(PrefixTree)
}
