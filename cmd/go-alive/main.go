// Command go-alive runs the liveness heartbeat agent and inspects it.
package main

import "github.com/ozanturksever/go-alive/cmd/go-alive/cmd"

func main() {
	cmd.Execute()
}
