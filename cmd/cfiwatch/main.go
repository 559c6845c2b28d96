// Package main implements the cfiwatch CLI tool.
//
// cfiwatch replays recorded engine event traces through the CFI observer
// and inspects the edge streams it produces:
//
//	cfiwatch replay trace.yaml -o edges.cfi --hashes hashes.cfi
//	cfiwatch graph edges.cfi --dot cfg.dot
//	cfiwatch dump edges.cfi
//	cfiwatch version
package main

import "github.com/kolkov/cfiwatch/cmd/cfiwatch/cmd"

func main() {
	cmd.Execute()
}
