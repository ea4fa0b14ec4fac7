// Package observability provides metrics and tracing for the run pipeline.
package observability

import (
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Attribute keys
const (
	attrStage    = "stage"
	attrTemplate = "template"
	attrKind     = "kind"
	attrOutcome  = "outcome"
	attrSuccess  = "success"
)

// Watch outcomes
const (
	OutcomeSucceeded = "succeeded"
	OutcomeTimeout   = "timeout"
)

func stageAttr(stage string) attribute.KeyValue {
	return attribute.String(attrStage, stage)
}

// templateAttr keys run metrics by template, not run: run names are generated and unbounded.
func templateAttr(template string) attribute.KeyValue {
	return attribute.String(attrTemplate, template)
}

func kindAttr(kind string) attribute.KeyValue {
	return attribute.String(attrKind, kind)
}

func outcomeAttr(outcome string) attribute.KeyValue {
	return attribute.String(attrOutcome, outcome)
}

func successAttr(success bool) attribute.KeyValue {
	return attribute.Bool(attrSuccess, success)
}

// WithTemplate returns a metric option with the template attribute.
func WithTemplate(template string) metric.MeasurementOption {
	return metric.WithAttributes(templateAttr(template))
}

// WithKind returns a metric option with the resource kind attribute.
func WithKind(kind string) metric.MeasurementOption {
	return metric.WithAttributes(kindAttr(kind))
}
