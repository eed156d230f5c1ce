//go:build tools

// Package main pins the code generators and linters used by this repository.
package main

import (
	_ "github.com/alvaroloes/enumer"
	_ "github.com/golangci/golangci-lint/cmd/golangci-lint"
	_ "golang.org/x/tools/cmd/goimports"
)
