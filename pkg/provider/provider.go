// Package provider defines the object listing backends inventory jobs run
// against.
//
// Providers implement a minimal surface: paged listing and Close.
// Authentication uses SDK default credential chains.
package provider

import (
	"context"
	"time"
)

// Provider lists objects under a prefix, one page at a time.
//
// Implementations must be safe for concurrent use.
type Provider interface {
	// List returns a page of objects with the given prefix.
	// Use ContinuationToken from ListResult for subsequent pages.
	List(ctx context.Context, opts ListOptions) (*ListResult, error)

	// Close releases any resources held by the provider.
	Close() error
}

// ListOptions configures a List operation.
type ListOptions struct {
	// Prefix filters results to keys starting with this value.
	// Empty string lists all objects.
	Prefix string

	// ContinuationToken resumes listing from a previous ListResult.
	ContinuationToken string

	// MaxKeys limits the number of objects returned per page.
	// Zero uses the provider default.
	MaxKeys int
}

// ListResult contains a page of objects from a List operation.
type ListResult struct {
	Objects []ObjectSummary

	// ContinuationToken is used to retrieve the next page.
	// Empty string indicates no more pages.
	ContinuationToken string

	IsTruncated bool
}

// ObjectSummary contains basic metadata returned from List operations.
type ObjectSummary struct {
	Key          string
	Size         int64
	ETag         string
	LastModified time.Time
}

// Type identifies a listing backend.
type Type string

const (
	TypeS3   Type = "s3"
	TypeFile Type = "file"
)

// String returns the string representation of the provider type.
func (t Type) String() string {
	return string(t)
}

// PageFunc receives one page of a Walk. Returning an error stops the walk.
type PageFunc func(page []ObjectSummary) error

// Walk pages through every object under prefix, calling fn once per page.
// It stops at the first error from the provider, from fn, or from ctx.
func Walk(ctx context.Context, p Provider, prefix string, pageSize int, fn PageFunc) error {
	token := ""
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		res, err := p.List(ctx, ListOptions{Prefix: prefix, ContinuationToken: token, MaxKeys: pageSize})
		if err != nil {
			return err
		}
		if err := fn(res.Objects); err != nil {
			return err
		}
		if !res.IsTruncated || res.ContinuationToken == "" {
			return nil
		}
		token = res.ContinuationToken
	}
}
