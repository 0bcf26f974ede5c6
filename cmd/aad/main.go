// Package main provides the aad command: Black–Scholes pricing with
// sensitivities computed by reverse-mode automatic differentiation.
package main

import "os"

const version = "v0.1.0-dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
