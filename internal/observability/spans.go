package observability

import (
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Error classification values for the error.type span attribute.
const (
	ErrTypeStoreUnavailable = "store_unavailable"
	ErrTypeScanUnavailable  = "scan_unavailable"
	ErrTypeFetchFailure     = "fetch_failure"
	ErrTypeRejected         = "rejected_permanently"
	ErrTypeTransient        = "transient_failure"
	ErrTypeCanceled         = "canceled"
)

// Error source values for the error.source span attribute.
const (
	ErrSourceStorage    = "storage"
	ErrSourceDownstream = "downstream"
	ErrSourceClient     = "client"
)

const (
	attrErrorType   = "error.type"
	attrErrorSource = "error.source"
)

// RecordSpanError records err on span, marks the span failed and tags it
// with the error classification. An empty source is omitted.
func RecordSpanError(span trace.Span, err error, errType, source string) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())

	attrs := []attribute.KeyValue{attribute.String(attrErrorType, errType)}
	if source != "" {
		attrs = append(attrs, attribute.String(attrErrorSource, source))
	}

	span.SetAttributes(attrs...)
}
