// Package sinkapi is the typed REST adapter for the Sink paged
// knowledge-base service. Auth is bearer token plus an API-version
// header; query-collection pagination caps page_size at 100 and
// auto-follows cursors until HasMore is false.
package sinkapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/capsync/syncagent/internal/apierr"
	"github.com/capsync/syncagent/internal/httpclient"
	"github.com/capsync/syncagent/internal/model"
)

const maxPageSize = 100

// APIVersion is sent as the Sink-Version header on every request.
const APIVersion = "2026-01-01"

// Client is a process-wide Sink API adapter: constructed once at startup,
// stateless apart from its auth header, safe for concurrent use.
type Client struct {
	http  *httpclient.Client
	base  string
	token string
}

// New builds a Sink API client bound to baseURL with bearer token auth.
func New(baseURL, token string, httpCfg httpclient.Config) *Client {
	return &Client{
		http:  httpclient.New(httpCfg),
		base:  baseURL,
		token: token,
	}
}

func (c *Client) newRequest(ctx context.Context, method, path string, body any) (*http.Request, error) {
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("sinkapi: marshal request: %w", err)
		}
		reader = bytes.NewReader(b)
	}

	var req *http.Request
	var err error
	if reader != nil {
		req, err = http.NewRequestWithContext(ctx, method, c.base+path, reader)
	} else {
		req, err = http.NewRequestWithContext(ctx, method, c.base+path, nil)
	}
	if err != nil {
		return nil, err
	}

	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Sink-Version", APIVersion)
	if reader != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req, nil
}

// QueryFilter is a property-name -> expected-value equality filter, the
// only shape the sync engine ever needs against the Sink's query API.
type QueryFilter map[string]any

// QueryCollection returns every page in collectionID matching filter,
// auto-paginated with page_size capped at 100.
func (c *Client) QueryCollection(ctx context.Context, collectionID string, filter QueryFilter) ([]model.Page, error) {
	var out []model.Page
	cursor := ""
	for {
		req := queryRequest{Filter: filter, Cursor: cursor, PageSize: maxPageSize}

		var resp queryResponse
		_, body, err := c.http.Do(ctx, "sinkapi.query_collection", func(ctx context.Context) (*http.Request, error) {
			return c.newRequest(ctx, http.MethodPost, "/collections/"+collectionID+"/query", req)
		})
		if err != nil {
			return nil, err
		}
		if err := json.Unmarshal(body, &resp); err != nil {
			return nil, apierr.New("sinkapi.query_collection", apierr.Contract, err)
		}

		for _, dto := range resp.Results {
			out = append(out, pageFromDTO(dto))
		}

		if !resp.HasMore || resp.NextCursor == "" {
			break
		}
		cursor = resp.NextCursor
	}
	return out, nil
}

// RetrievePage fetches a single page by id.
func (c *Client) RetrievePage(ctx context.Context, id string) (model.Page, error) {
	var dto pageDTO
	_, body, err := c.http.Do(ctx, "sinkapi.retrieve_page", func(ctx context.Context) (*http.Request, error) {
		return c.newRequest(ctx, http.MethodGet, "/pages/"+id, nil)
	})
	if err != nil {
		return model.Page{}, err
	}
	if err := json.Unmarshal(body, &dto); err != nil {
		return model.Page{}, apierr.New("sinkapi.retrieve_page", apierr.Contract, err)
	}
	return pageFromDTO(dto), nil
}

// CreatePage creates a new page in parentID's collection with the given
// properties, optionally seeding initial body blocks.
func (c *Client) CreatePage(ctx context.Context, parentID string, properties map[string]model.PropertyValue, blocks []model.Block) (model.Page, error) {
	req := createPageRequest{
		ParentID:   parentID,
		Properties: propertiesToDTO(properties),
		Blocks:     blocksToDTO(blocks),
	}

	var dto pageDTO
	_, body, err := c.http.Do(ctx, "sinkapi.create_page", func(ctx context.Context) (*http.Request, error) {
		return c.newRequest(ctx, http.MethodPost, "/pages", req)
	})
	if err != nil {
		return model.Page{}, err
	}
	if err := json.Unmarshal(body, &dto); err != nil {
		return model.Page{}, apierr.New("sinkapi.create_page", apierr.Contract, err)
	}
	return pageFromDTO(dto), nil
}

// UpdatePage updates a page's properties and/or archived flag. There is
// deliberately no way to pass blocks here: body blocks are never
// overwritten on update, so manual edits in the Sink survive.
func (c *Client) UpdatePage(ctx context.Context, id string, properties map[string]model.PropertyValue, archived *bool) error {
	req := updatePageRequest{
		Properties: propertiesToDTO(properties),
		Archived:   archived,
	}
	_, _, err := c.http.Do(ctx, "sinkapi.update_page", func(ctx context.Context) (*http.Request, error) {
		return c.newRequest(ctx, http.MethodPatch, "/pages/"+id, req)
	})
	return err
}

// AppendBlockChildren appends blocks to an existing page without
// disturbing existing body content. The sync worker does not call it: it
// writes body blocks only when it creates a page.
func (c *Client) AppendBlockChildren(ctx context.Context, pageID string, blocks []model.Block) error {
	req := appendBlocksRequest{Blocks: blocksToDTO(blocks)}
	_, _, err := c.http.Do(ctx, "sinkapi.append_block_children", func(ctx context.Context) (*http.Request, error) {
		return c.newRequest(ctx, http.MethodPost, "/pages/"+pageID+"/blocks", req)
	})
	return err
}

func propertiesToDTO(props map[string]model.PropertyValue) map[string]propertyDTO {
	if props == nil {
		return nil
	}
	out := make(map[string]propertyDTO, len(props))
	for k, v := range props {
		dto := propertyDTO{}
		switch {
		case v.Checkbox != nil:
			dto.Type = "checkbox"
			dto.Checkbox = v.Checkbox
		case v.Relation != nil:
			dto.Type = "relation"
			dto.Relation = v.Relation
		case v.DateOnly != nil:
			dto.Type = "date"
			dto.Date = v.DateOnly
		case v.DateTime != nil:
			dto.Type = "datetime"
			dto.DateTime = v.DateTime
		case v.Number != nil:
			dto.Type = "number"
			dto.Number = v.Number
		default:
			dto.Type = "text"
			dto.Text = v.Text
		}
		out[k] = dto
	}
	return out
}

func propertiesFromDTO(props map[string]propertyDTO) map[string]model.PropertyValue {
	if props == nil {
		return nil
	}
	out := make(map[string]model.PropertyValue, len(props))
	for k, v := range props {
		out[k] = model.PropertyValue{
			Text:     v.Text,
			Relation: v.Relation,
			Checkbox: v.Checkbox,
			DateOnly: v.Date,
			DateTime: v.DateTime,
			Number:   v.Number,
		}
	}
	return out
}

func blocksToDTO(blocks []model.Block) []blockDTO {
	if blocks == nil {
		return nil
	}
	out := make([]blockDTO, len(blocks))
	for i, b := range blocks {
		out[i] = blockDTO{Type: b.Type, Text: b.Text}
	}
	return out
}

func blocksFromDTO(blocks []blockDTO) []model.Block {
	if blocks == nil {
		return nil
	}
	out := make([]model.Block, len(blocks))
	for i, b := range blocks {
		out[i] = model.Block{Type: b.Type, Text: b.Text}
	}
	return out
}

func pageFromDTO(dto pageDTO) model.Page {
	return model.Page{
		ID:           dto.ID,
		ParentID:     dto.ParentID,
		URL:          dto.URL,
		Properties:   propertiesFromDTO(dto.Properties),
		Blocks:       blocksFromDTO(dto.Blocks),
		Archived:     dto.Archived,
		LastEditedAt: dto.LastEditedAt,
	}
}
