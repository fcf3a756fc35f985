// Package convert turns image formats browsers cannot render (TIFF above all)
// into PNG surrogates, and decides which media types need that treatment.
//
// Two converters are provided. Local decodes in-process with the imaging
// library; Remote delegates to an HTTP conversion endpoint. Both satisfy the
// Converter interface consumed by upload sessions.
package convert
