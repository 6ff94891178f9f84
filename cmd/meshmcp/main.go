package main

import "github.com/meshmcp/meshmcp/cmd/meshmcp/cmd"

func main() {
	cmd.Execute()
}
