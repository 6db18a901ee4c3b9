// Package main is the entry point for tollgate, a paywall proxy that
// meters automated traffic against Skyfire usage tokens.
package main

func main() {
	Execute()
}
