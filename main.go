package main

import "github.com/DominicWuest/logbisect/cmd"

func main() {
	cmd.Execute()
}
