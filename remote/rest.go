package remote

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
)

// RESTConfig configures a REST store.
type RESTConfig struct {
	// BaseURL is the project URL, e.g. "https://xyz.supabase.co"
	BaseURL string

	// APIKey is sent as both the apikey header and a bearer token.
	APIKey string

	// Timeout bounds each request (default: 0, bounded only by the context)
	Timeout time.Duration

	// RetryCount retries failed requests (default: 0)
	RetryCount int
}

// REST is a Store backed by a PostgREST-style HTTP table API.
type REST struct {
	client *resty.Client
}

// NewREST creates a REST store.
func NewREST(config RESTConfig) *REST {
	client := resty.New().
		SetBaseURL(config.BaseURL).
		SetHeader("Accept", "application/json").
		SetHeader("Content-Type", "application/json")

	if config.APIKey != "" {
		client.SetHeader("apikey", config.APIKey).
			SetAuthToken(config.APIKey)
	}
	if config.Timeout > 0 {
		client.SetTimeout(config.Timeout)
	}
	if config.RetryCount > 0 {
		client.SetRetryCount(config.RetryCount)
	}

	return &REST{client: client}
}

func tablePath(table string) string {
	return "/rest/v1/" + table
}

func (r *REST) Ping(ctx context.Context) error {
	var rows []map[string]any
	resp, err := r.client.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{"select": "id", "limit": "1"}).
		SetResult(&rows).
		Get(tablePath("page_counters"))
	return checkResponse("remote ping", resp, err)
}

func (r *REST) GetPageCounter(ctx context.Context, id string) (PageCounter, error) {
	var rows []PageCounter
	if err := r.getByID(ctx, "page_counters", id, &rows); err != nil {
		return PageCounter{}, err
	}
	if len(rows) == 0 {
		return PageCounter{}, ErrNotFound
	}
	return rows[0], nil
}

func (r *REST) InsertPageCounter(ctx context.Context, c PageCounter) error {
	return r.insert(ctx, "page_counters", c.ID, c)
}

func (r *REST) UpdatePageCounter(ctx context.Context, c PageCounter) error {
	return r.update(ctx, "page_counters", c.ID, map[string]any{
		"count":        c.Count,
		"last_updated": c.LastUpdated,
	})
}

func (r *REST) GetClickCounter(ctx context.Context, id string) (ClickCounter, error) {
	var rows []ClickCounter
	if err := r.getByID(ctx, "click_counters", id, &rows); err != nil {
		return ClickCounter{}, err
	}
	if len(rows) == 0 {
		return ClickCounter{}, ErrNotFound
	}
	return rows[0], nil
}

func (r *REST) InsertClickCounter(ctx context.Context, c ClickCounter) error {
	return r.insert(ctx, "click_counters", c.ID, c)
}

func (r *REST) UpdateClickCounter(ctx context.Context, c ClickCounter) error {
	return r.update(ctx, "click_counters", c.ID, map[string]any{
		"click_count": c.ClickCount,
		"last_click":  c.LastClick,
	})
}

func (r *REST) InsertWinner(ctx context.Context, w Winner) error {
	return r.insert(ctx, "giveaway_winners", w.GiveawayID+"/"+w.UserID, w)
}

func (r *REST) getByID(ctx context.Context, table, id string, dest any) error {
	resp, err := r.client.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{"id": "eq." + id, "select": "*"}).
		SetResult(dest).
		Get(tablePath(table))
	return checkResponse("get "+table+" "+id, resp, err)
}

func (r *REST) insert(ctx context.Context, table, id string, body any) error {
	resp, err := r.client.R().
		SetContext(ctx).
		SetHeader("Prefer", "return=minimal").
		SetBody(body).
		Post(tablePath(table))
	if err == nil && resp.StatusCode() == http.StatusConflict {
		return fmt.Errorf("insert %s %s: %w", table, id, ErrConflict)
	}
	return checkResponse("insert "+table+" "+id, resp, err)
}

func (r *REST) update(ctx context.Context, table, id string, fields map[string]any) error {
	var rows []map[string]any
	resp, err := r.client.R().
		SetContext(ctx).
		SetHeader("Prefer", "return=representation").
		SetQueryParam("id", "eq."+id).
		SetBody(fields).
		SetResult(&rows).
		Patch(tablePath(table))
	if err := checkResponse("update "+table+" "+id, resp, err); err != nil {
		return err
	}
	if len(rows) == 0 {
		return fmt.Errorf("update %s %s: %w", table, id, ErrNotFound)
	}
	return nil
}

func checkResponse(op string, resp *resty.Response, err error) error {
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if resp.IsError() {
		return fmt.Errorf("%s: status %d: %s", op, resp.StatusCode(), resp.String())
	}
	return nil
}
