package main

import "github.com/renthub-solutions/ms-go-rentpay/cmd"

func main() {
	cmd.Execute()
}
