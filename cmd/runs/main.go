package main

import (
	"github.com/aws/aws-lambda-go/lambda"

	"healthetl/internal/handlers"
)

func main() {
	lambda.Start(handlers.Runs)
}
