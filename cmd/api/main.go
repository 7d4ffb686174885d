package main

import "github.com/avas-r/jobmesh/services/api/cli"

func main() {
	cli.Execute()
}
