// Command ikectl is the control CLI for the iked daemon.
package main

import "github.com/dantte-lp/iked/cmd/ikectl/commands"

func main() {
	commands.Execute()
}
