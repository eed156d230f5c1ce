// Command xprt benchmarks and exercises the xprt RPC client transport.
package main

import (
	"github.com/zrepl/xprt/cli"
	"github.com/zrepl/xprt/client"
)

func init() {
	cli.AddSubcommand(client.BenchCmd)
	cli.AddSubcommand(client.EchoServerCmd)
	cli.AddSubcommand(client.ConfigcheckCmd)
	cli.AddSubcommand(client.VersionCmd)
}

func main() {
	cli.Run()
}
