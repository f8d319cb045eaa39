package processing

import "io"

// Outcome is the result of a successful Execute. It is either Unmodified or
// Processed; adapters switch on the concrete type.
type Outcome interface {
	isOutcome()
}

// Unmodified reports that the caller's validator matches the source. No body
// was fetched.
type Unmodified struct {
	ContentType string
	ETag        string
}

// Processed carries a response body: a transcoded image stream or a
// serialized metadata document, told apart by ContentType. The receiver owns
// Body and must close it.
type Processed struct {
	Body        io.ReadCloser
	ContentType string
	ETag        string
}

func (Unmodified) isOutcome() {}
func (Processed) isOutcome()  {}
