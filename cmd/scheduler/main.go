package main

import "github.com/avas-r/jobmesh/services/scheduler/cli"

func main() {
	cli.Execute()
}
