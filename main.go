/*
Copyright © 2024 thin-edge.io <info@thin-edge.io>
*/
package main

import "github.com/thin-edge/tedge-agent-go/cmd"

func main() {
	cmd.Execute()
}
