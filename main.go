package main

import "github.com/Poly-pay/polypay-app-sub000/cmd"

func main() {
	cmd.Execute()
}
