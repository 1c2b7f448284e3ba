// @title       subsync player bridge
// @version     1.0
// @description Word-synchronized subtitle players driven by a browser audio element.
// @BasePath    /
package main

import "github.com/forPelevin/subsync/internal/cli"

func main() {
	cli.Main()
}
