// Package main is the single-binary entrypoint for the Effect Manager node.
package main

import "github.com/soitun/effectai-engine/internal/cli"

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	cli.Execute(version)
}
