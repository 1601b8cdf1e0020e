package main

import "github.com/metal-toolbox/bmcmgmt/cmd"

func main() {
	cmd.Execute()
}
