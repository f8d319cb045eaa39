// Package main is the Lambda entry point behind a function URL in
// RESPONSE_STREAM invoke mode.
//
// The handler returns a framed reader (JSON prelude, eight zero bytes, body)
// that the runtime streams to the caller as it is read, so transcoded images
// are not subject to the buffered 6 MB response limit.
package main

import (
	"context"
	"time"

	"github.com/aws/aws-lambda-go/lambda"
	"github.com/rs/zerolog/log"

	"github.com/fpang/image-delivery/internal/delivery"
	"github.com/fpang/image-delivery/internal/lambdaboot"
	"github.com/fpang/image-delivery/internal/lambdastream"
)

var handler *lambdastream.Handler

func init() {
	initStart := time.Now()

	rt, err := lambdaboot.Init(context.Background(), "")
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize")
	}

	handler = lambdastream.New(rt.Processor, lambdastream.Options{
		OriginVerifySecret: rt.OriginVerifySecret,
		DeliveryTimeout:    delivery.DeliveryTimeout,
		MetricsEnabled:     rt.Config.Metrics.Enabled,
		MetricsNamespace:   rt.Config.Metrics.Namespace,
	})

	lambdaboot.StartupLog("image-lambda", initStart, rt).
		CommitHash(commitHash).
		BuildTime(buildTime).
		Config("transport", lambdastream.Transport).
		Log()
}

func main() {
	lambda.Start(handler.Invoke)
}
