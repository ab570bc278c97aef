package main

import "github.com/ValentinKolb/rangekv/cmd"

func main() {
	cmd.Execute()
}
