package main

import "github.com/surveyhelp/backend/cmd/marksctl/cmd"

func main() {
	cmd.Execute()
}
