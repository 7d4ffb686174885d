package main

import "github.com/avas-r/jobmesh/services/monitor/cli"

func main() {
	cli.Execute()
}
