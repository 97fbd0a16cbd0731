package main

import "github.com/dbosk/weblogin/cmd/weblogin/cmd"

func main() {
	cmd.Execute()
}
