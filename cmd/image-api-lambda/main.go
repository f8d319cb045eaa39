// Package main is the Lambda entry point behind an API Gateway HTTP API
// (payload format 2.0).
//
// API Gateway buffers the whole response, so this variant serves the same
// chi router as the standalone server through httpadapter. Use image-lambda
// with a function URL when images can exceed the buffered payload limit.
package main

import (
	"context"
	"time"

	"github.com/aws/aws-lambda-go/lambda"
	"github.com/awslabs/aws-lambda-go-api-proxy/httpadapter"
	"github.com/rs/zerolog/log"

	"github.com/fpang/image-delivery/internal/httpapi"
	"github.com/fpang/image-delivery/internal/lambdaboot"
)

var adapter *httpadapter.HandlerAdapterV2

func init() {
	initStart := time.Now()

	rt, err := lambdaboot.Init(context.Background(), "")
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize")
	}

	router, err := httpapi.NewRouter(rt.Processor, httpapi.Options{
		OriginVerifySecret: rt.OriginVerifySecret,
		Transport:          httpapi.TransportAPIGateway,
		MetricsEnabled:     rt.Config.Metrics.Enabled,
		MetricsNamespace:   rt.Config.Metrics.Namespace,
		Gzip:               rt.Config.Server.Gzip,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to build router")
	}
	adapter = httpadapter.NewV2(router)

	lambdaboot.StartupLog("image-api-lambda", initStart, rt).
		CommitHash(commitHash).
		BuildTime(buildTime).
		Config("transport", httpapi.TransportAPIGateway).
		Feature("gzip", rt.Config.Server.Gzip).
		Log()
}

func main() {
	lambda.Start(adapter.ProxyWithContext)
}
