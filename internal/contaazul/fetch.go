package contaazul

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strconv"

	"go.uber.org/zap"
)

// ResourceType names a paginated provider collection.
type ResourceType string

const (
	// ResourceCustomers is the people collection filtered to customer profiles.
	ResourceCustomers ResourceType = "customers"
	// ResourceServices is the service catalogue.
	ResourceServices ResourceType = "services"
)

const (
	defaultPageSize = 100
	defaultMaxPages = 100
	pageParam       = "pagina"
	pageSizeParam   = "tamanho_pagina"
)

// ErrUnknownResource indicates a resource type without an endpoint mapping.
var ErrUnknownResource = errors.New("contaazul: unknown resource type")

type resourceEndpoint struct {
	path     string
	itemKeys []string
}

var resourceEndpoints = map[ResourceType]resourceEndpoint{
	ResourceCustomers: {path: "/v1/pessoas", itemKeys: []string{"itens", "items", "data"}},
	ResourceServices:  {path: "/v1/servicos", itemKeys: []string{"itens", "items", "data"}},
}

// FetchOptions bounds a FetchAll call. Filters are forwarded as query parameters untouched.
type FetchOptions struct {
	PageSize int
	MaxPages int
	Filters  url.Values
}

// FetchError reports the page on which a paginated fetch failed. Records from
// earlier pages are discarded when it is returned.
type FetchError struct {
	Resource   ResourceType
	Page       int
	StatusCode int
	Message    string
	Err        error
}

func (e *FetchError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("contaazul fetch %s page %d failed: %v", e.Resource, e.Page, e.Err)
	}
	return fmt.Sprintf("contaazul fetch %s page %d failed: status=%d message=%s", e.Resource, e.Page, e.StatusCode, e.Message)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// FetchAll pulls every page of resource sequentially, starting at page 1.
// It stops after the first page holding fewer than PageSize records or once
// MaxPages pages were read, and returns either the complete collection or an error.
func (c *Client) FetchAll(ctx context.Context, resource ResourceType, accessToken string, opts FetchOptions) ([]Record, error) {
	endpoint, ok := resourceEndpoints[resource]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownResource, resource)
	}
	if accessToken == "" {
		return nil, ErrMissingAccessToken
	}
	pageSize := opts.PageSize
	if pageSize <= 0 {
		pageSize = defaultPageSize
	}
	maxPages := opts.MaxPages
	if maxPages <= 0 {
		maxPages = defaultMaxPages
	}

	records := make([]Record, 0, pageSize)
	for page := 1; page <= maxPages; page++ {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, &FetchError{Resource: resource, Page: page, Err: err}
		}
		items, err := c.fetchPage(ctx, resource, endpoint, accessToken, page, pageSize, opts.Filters)
		if err != nil {
			return nil, err
		}
		c.metrics.PagesFetched.WithLabelValues(string(resource)).Inc()
		records = append(records, items...)
		if len(items) < pageSize {
			return records, nil
		}
	}

	c.logger.Warn("contaazul pagination bound reached",
		zap.String("resource", string(resource)),
		zap.Int("max_pages", maxPages),
		zap.Int("page_size", pageSize),
		zap.Int("records", len(records)))
	return records, nil
}

func (c *Client) fetchPage(ctx context.Context, resource ResourceType, endpoint resourceEndpoint, accessToken string, page, pageSize int, filters url.Values) ([]Record, error) {
	query := url.Values{}
	for key, values := range filters {
		query[key] = append([]string(nil), values...)
	}
	query.Set(pageParam, strconv.Itoa(page))
	query.Set(pageSizeParam, strconv.Itoa(pageSize))
	target := c.apiBaseURL + endpoint.path + "?" + query.Encode()

	body, err := c.get(ctx, accessToken, target, "fetch")
	if err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) {
			return nil, &FetchError{Resource: resource, Page: page, StatusCode: apiErr.StatusCode, Message: apiErr.Message}
		}
		return nil, &FetchError{Resource: resource, Page: page, Err: err}
	}

	var envelope any
	if err := decodeJSON(body, &envelope); err != nil {
		return nil, &FetchError{Resource: resource, Page: page, Err: fmt.Errorf("decode response: %w", err)}
	}
	items, err := extractItems(envelope, endpoint.itemKeys)
	if err != nil {
		return nil, &FetchError{Resource: resource, Page: page, Err: err}
	}
	return items, nil
}

func extractItems(envelope any, itemKeys []string) ([]Record, error) {
	var list []any
	switch typed := envelope.(type) {
	case []any:
		list = typed
	case map[string]any:
		found := false
		for _, key := range itemKeys {
			value, present := typed[key]
			if !present {
				continue
			}
			found = true
			if value == nil {
				break
			}
			items, isList := value.([]any)
			if !isList {
				return nil, fmt.Errorf("list envelope field %q is not an array", key)
			}
			list = items
			break
		}
		if !found {
			return nil, errors.New("list envelope has no items field")
		}
	case nil:
		return nil, nil
	default:
		return nil, errors.New("unexpected list envelope")
	}

	records := make([]Record, 0, len(list))
	for _, item := range list {
		object, ok := item.(map[string]any)
		if !ok {
			return nil, errors.New("list item is not an object")
		}
		records = append(records, Record(object))
	}
	return records, nil
}
