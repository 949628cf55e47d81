// proctord runs proctored exam sessions.
//
//	proctord run --script session.jsonl   Replay a scripted session headlessly
//	proctord check-config                 Validate the configuration
//	proctord init [path]                  Write a default configuration
//	proctord journal                      List the local diagnostic journal
//	proctord version                      Print version information
package main

import "proctord/internal/cli"

func main() {
	cli.Execute()
}
