// Command pefs relocates the heap files of a Postgres schema onto a shared
// filesystem and re-attaches another server to them.
//
//	pefs clone <database> <relocation-root> [--user NAME]
//	pefs link  <database> <relocation-root> [--user NAME]
//
// Exit status is 0 on success, 1 on any error and 2 when the error left a
// table without storage or the server stopped; those need an operator.
package main

import "os"

func main() {
	os.Exit(Execute(os.Args[1:]))
}
