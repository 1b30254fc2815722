package main

import "github.com/b2publish/b2plugin/cmd"

// The plugin is a single executable with cobra subcommands; the host server
// drives it through 'b2plugin handle <request-name>'.
func main() {
	cmd.Execute()
}
