package main

import "github.com/oshokin/piguard/cmd/piguard/cmd"

func main() {
	cmd.Execute()
}
