// Package provider is the boundary to the execution provider that
// actually performs task work.
//
// The engine depends only on the Provider interface and on the closed
// error taxonomy here. Classification of unstructured provider failures
// into transient, strategic, or fatal lives in this package and nowhere
// else; everything above it switches on Kind, never on error text.
package provider
