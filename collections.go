package pbschema

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
)

// Collections wraps the PocketBase collections admin API. All calls require
// a superuser token.
type Collections struct {
	client AuthenticatedClient
}

// NewCollections binds the collections API to an authenticated client.
func NewCollections(client AuthenticatedClient) *Collections {
	return &Collections{client: client}
}

func collectionPath(ref string) string {
	return "/api/collections/" + url.PathEscape(strings.TrimSpace(ref))
}

// Get fetches the collection identified by id or name and decodes it into dst.
func (c *Collections) Get(ctx context.Context, ref string, dst any) error {
	if c.client == nil {
		return errors.New("collections client is nil")
	}
	if strings.TrimSpace(ref) == "" {
		return errors.New("collection reference is required")
	}

	resp, err := c.client.Do(ctx, http.MethodGet, collectionPath(ref), nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	return decodeJSONResponse(resp, dst)
}

// Exists reports whether a collection with the given id or name exists.
func (c *Collections) Exists(ctx context.Context, ref string) (bool, error) {
	err := c.Get(ctx, ref, nil)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	return false, err
}

// Update patches the collection with the given id. Only the keys present in
// payload are changed. The updated collection is decoded into dst when non-nil.
func (c *Collections) Update(ctx context.Context, id string, payload any, dst any) error {
	if c.client == nil {
		return errors.New("collections client is nil")
	}
	if strings.TrimSpace(id) == "" {
		return errors.New("collection id is required")
	}
	return c.send(ctx, http.MethodPatch, collectionPath(id), payload, dst)
}

// Create creates a new collection from payload.
func (c *Collections) Create(ctx context.Context, payload any, dst any) error {
	if c.client == nil {
		return errors.New("collections client is nil")
	}
	return c.send(ctx, http.MethodPost, "/api/collections", payload, dst)
}

func (c *Collections) send(ctx context.Context, method, path string, payload any, dst any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode collection payload: %w", err)
	}

	resp, err := c.client.Do(ctx, method, path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	return decodeJSONResponse(resp, dst)
}
