package main

import "github.com/avas-r/jobmesh/services/dispatcher/cli"

func main() {
	cli.Execute()
}
