// Package main provides the plantree operator CLI: importing and exporting
// trees, printing them and checking their stored structure.
//
// Usage:
//
//	plantree import plan.yaml
//	plantree show <tree-id> --locale es
//	plantree permalink <tree-id> 0.2.1
//	plantree resolve --server http://localhost:8080 <tree-id> 0.2.1
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
