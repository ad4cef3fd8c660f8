package main

import "github.com/surge-downloader/otaupdate/cmd"

func main() {
	cmd.Execute()
}
