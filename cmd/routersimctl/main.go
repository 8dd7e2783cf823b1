// routersimctl -- CLI client for the routersimd admin HTTP API.
package main

import "github.com/routersim/routersim/cmd/routersimctl/commands"

func main() {
	commands.Execute()
}
