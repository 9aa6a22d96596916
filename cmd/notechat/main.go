package main

import "github.com/entrepeneur4lyf/notechat/cmd/notechat/cmd"

func main() {
	cmd.Execute()
}
