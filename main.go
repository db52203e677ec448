package main

import "github.com/edgeflare/mqttpg/cmd/mqttpg"

func main() {
	mqttpg.Main()
}
