package main

import "github.com/ValentinKolb/dTSO/cmd"

func main() {
	cmd.Execute()
}
