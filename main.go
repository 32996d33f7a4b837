package main

import "github.com/andresmejia3/sentinel-blur/cmd"

func main() {
	cmd.Execute()
}
