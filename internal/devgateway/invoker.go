package devgateway

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/lambda"
	"github.com/aws/aws-sdk-go-v2/service/lambda/types"
)

// Invoker runs the function with an event payload and returns its raw
// response stream: the framed prelude followed by the body.
type Invoker interface {
	Invoke(ctx context.Context, payload []byte) (io.ReadCloser, error)
}

// RIEInvoker posts events to a Lambda Runtime Interface Emulator.
type RIEInvoker struct {
	URL    string
	Client *http.Client
}

// NewRIEInvoker returns an invoker for the emulator endpoint url.
func NewRIEInvoker(url string) *RIEInvoker {
	// No client timeout: the body is a stream bounded by the delivery timeout.
	return &RIEInvoker{URL: url, Client: &http.Client{}}
}

func (i *RIEInvoker) Invoke(ctx context.Context, payload []byte) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, i.URL, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build invoke request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := i.Client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("invoke %s: %w", i.URL, err)
	}
	if resp.StatusCode/100 != 2 {
		defer resp.Body.Close()
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("invoke %s: status %d: %s", i.URL, resp.StatusCode, snippet)
	}
	return resp.Body, nil
}

// StreamInvokeAPI is the subset of the Lambda client used by SDKInvoker.
type StreamInvokeAPI interface {
	InvokeWithResponseStream(ctx context.Context, params *lambda.InvokeWithResponseStreamInput, optFns ...func(*lambda.Options)) (*lambda.InvokeWithResponseStreamOutput, error)
}

// SDKInvoker invokes a deployed function with InvokeWithResponseStream and
// reassembles its payload chunks into one byte stream.
type SDKInvoker struct {
	client       StreamInvokeAPI
	functionName string
	qualifier    string
}

// NewSDKInvoker returns an invoker for functionName. qualifier selects an
// alias or version and may be empty.
func NewSDKInvoker(client StreamInvokeAPI, functionName, qualifier string) *SDKInvoker {
	return &SDKInvoker{client: client, functionName: functionName, qualifier: qualifier}
}

// InvokeError is a function error reported at the end of the stream.
type InvokeError struct {
	Code    string
	Details string
}

func (e *InvokeError) Error() string {
	return fmt.Sprintf("function error %s: %s", e.Code, e.Details)
}

func (i *SDKInvoker) Invoke(ctx context.Context, payload []byte) (io.ReadCloser, error) {
	in := &lambda.InvokeWithResponseStreamInput{
		FunctionName: aws.String(i.functionName),
		Payload:      payload,
	}
	if i.qualifier != "" {
		in.Qualifier = aws.String(i.qualifier)
	}
	out, err := i.client.InvokeWithResponseStream(ctx, in)
	if err != nil {
		return nil, fmt.Errorf("invoke %s: %w", i.functionName, err)
	}

	stream := out.GetStream()
	pr, pw := io.Pipe()
	go pumpEvents(stream.Events(), pw, stream.Err)
	return &eventStreamBody{PipeReader: pr, closeStream: stream.Close}, nil
}

// pumpEvents copies payload chunks into pw until the completion event, then
// closes pw with the function's error, if any.
func pumpEvents(events <-chan types.InvokeWithResponseStreamResponseEvent, pw *io.PipeWriter, streamErr func() error) {
	for ev := range events {
		switch v := ev.(type) {
		case *types.InvokeWithResponseStreamResponseEventMemberPayloadChunk:
			if _, err := pw.Write(v.Value.Payload); err != nil {
				// Reader closed; stop copying.
				return
			}
		case *types.InvokeWithResponseStreamResponseEventMemberInvokeComplete:
			if code := aws.ToString(v.Value.ErrorCode); code != "" {
				pw.CloseWithError(&InvokeError{Code: code, Details: aws.ToString(v.Value.ErrorDetails)})
				return
			}
			pw.Close()
			return
		}
	}
	err := streamErr()
	if err == nil {
		err = io.ErrUnexpectedEOF
	}
	pw.CloseWithError(fmt.Errorf("response stream ended without completion: %w", err))
}

type eventStreamBody struct {
	*io.PipeReader
	closeStream func() error
	once        sync.Once
}

func (b *eventStreamBody) Close() error {
	var err error
	b.once.Do(func() {
		b.PipeReader.Close()
		err = b.closeStream()
	})
	return err
}
