package crm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"taskmirror/internal/config"
	"taskmirror/internal/metrics"
	"taskmirror/internal/models"
	"taskmirror/internal/worker"
)

const batchLimit = models.CRMBatchSize

// Client talks to the CRM REST API. Every request goes through a shared
// token-bucket limiter; transient failures (429, 5xx, network) are retried
// with bounded exponential backoff before surfacing to the caller.
type Client struct {
	baseURL    string
	token      string
	objectType string
	httpClient *http.Client
	limiter    *rate.Limiter
	retry      worker.RetryPolicy
	batchDelay time.Duration
	pageCap    int
	logger     zerolog.Logger
}

func NewClient(cfg config.CRMConfig, pageCap int, logger zerolog.Logger) *Client {
	return &Client{
		baseURL:    cfg.BaseURL,
		token:      cfg.Token,
		objectType: cfg.TaskObjectType,
		httpClient: &http.Client{Timeout: cfg.RequestTimeout.Std()},
		limiter:    rate.NewLimiter(rate.Limit(cfg.RPS), cfg.Burst),
		retry: worker.RetryPolicy{
			MaxRetries:    cfg.MaxRetries,
			InitialDelay:  cfg.InitialBackoff.Std(),
			MaxDelay:      cfg.MaxBackoff.Std(),
			BackoffFactor: 2.0,
		},
		batchDelay: cfg.BatchDelay.Std(),
		pageCap:    pageCap,
		logger:     logger.With().Str("component", "crm_client").Logger(),
	}
}

// SearchTasks pages through tasks sorted by last-modified ascending and
// hands each parsed page to fn. A nil since means an unfiltered full scan.
// Pagination stops at the page cap with ErrPageCapExceeded so a bad cursor
// cannot loop forever.
func (c *Client) SearchTasks(ctx context.Context, since *time.Time, fn func(page []TaskRecord) error) error {
	req := searchRequest{
		Sorts:      []sortSpec{{PropertyName: propLastModified, Direction: "ASCENDING"}},
		Properties: taskProperties,
		Limit:      batchLimit,
	}
	if since != nil {
		req.FilterGroups = []filterGroup{{Filters: []filter{{
			PropertyName: propLastModified,
			Operator:     "GTE",
			Value:        formatCRMTime(*since),
		}}}}
	}

	endpoint := fmt.Sprintf("%s/crm/v3/objects/%s/search", c.baseURL, c.objectType)
	for page := 0; ; page++ {
		if page >= c.pageCap {
			return fmt.Errorf("%w after %d pages", ErrPageCapExceeded, page)
		}
		var resp searchResponse
		if err := c.doPost(ctx, endpoint, req, &resp); err != nil {
			return fmt.Errorf("search tasks page %d: %w", page, err)
		}
		records := make([]TaskRecord, 0, len(resp.Results))
		for _, obj := range resp.Results {
			rec := TaskRecord{ID: obj.ID}
			task, err := parseTask(obj)
			if err != nil {
				rec.Err = &PayloadError{ID: obj.ID, Cause: err}
			} else {
				rec.Task = task
			}
			records = append(records, rec)
		}
		if err := fn(records); err != nil {
			return err
		}
		if resp.Paging == nil || resp.Paging.Next.After == "" {
			return nil
		}
		req.After = resp.Paging.Next.After
		c.pause(ctx)
	}
}

// SearchContacts pages through contacts modified at or after since.
func (c *Client) SearchContacts(ctx context.Context, since *time.Time, fn func(page []ContactRecord) error) error {
	req := searchRequest{
		Sorts: []sortSpec{{PropertyName: propLastModified, Direction: "ASCENDING"}},
		Properties: []string{
			propContactName, propContactSurname, propContactEmail,
			propOwnerID, propLastModified,
		},
		Limit: batchLimit,
	}
	if since != nil {
		req.FilterGroups = []filterGroup{{Filters: []filter{{
			PropertyName: propLastModified,
			Operator:     "GTE",
			Value:        formatCRMTime(*since),
		}}}}
	}

	endpoint := c.baseURL + "/crm/v3/objects/contacts/search"
	for page := 0; ; page++ {
		if page >= c.pageCap {
			return fmt.Errorf("%w after %d pages", ErrPageCapExceeded, page)
		}
		var resp searchResponse
		if err := c.doPost(ctx, endpoint, req, &resp); err != nil {
			return fmt.Errorf("search contacts page %d: %w", page, err)
		}
		records := make([]ContactRecord, 0, len(resp.Results))
		for _, obj := range resp.Results {
			rec := ContactRecord{ID: obj.ID}
			contact, err := parseContact(obj)
			if err != nil {
				rec.Err = &PayloadError{ID: obj.ID, Cause: err}
			} else {
				rec.Contact = contact
			}
			records = append(records, rec)
		}
		if err := fn(records); err != nil {
			return err
		}
		if resp.Paging == nil || resp.Paging.Next.After == "" {
			return nil
		}
		req.After = resp.Paging.Next.After
		c.pause(ctx)
	}
}

// BatchReadTasks reads up to batchLimit tasks by id in one call.
func (c *Client) BatchReadTasks(ctx context.Context, ids []string) ([]TaskRecord, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	if len(ids) > batchLimit {
		return nil, fmt.Errorf("crm: batch read of %d exceeds limit %d", len(ids), batchLimit)
	}
	req := batchRequest{Properties: taskProperties}
	for _, id := range ids {
		req.Inputs = append(req.Inputs, batchInput{ID: id})
	}
	var resp batchResponse
	endpoint := fmt.Sprintf("%s/crm/v3/objects/%s/batch/read", c.baseURL, c.objectType)
	if err := c.doPost(ctx, endpoint, req, &resp); err != nil {
		return nil, fmt.Errorf("batch read tasks: %w", err)
	}
	records := make([]TaskRecord, 0, len(resp.Results))
	for _, obj := range resp.Results {
		rec := TaskRecord{ID: obj.ID}
		task, err := parseTask(obj)
		if err != nil {
			rec.Err = &PayloadError{ID: obj.ID, Cause: err}
		} else {
			rec.Task = task
		}
		records = append(records, rec)
	}
	return records, nil
}

// CreateTask creates one task with its associations and returns the id the
// CRM assigned.
func (c *Client) CreateTask(ctx context.Context, in CreateTaskRequest) (string, error) {
	props := map[string]string{
		propSubject: in.Subject,
		propStatus:  in.Status,
		propDueAt:   formatCRMTime(in.DueAt),
	}
	if in.OwnerID != "" {
		props[propOwnerID] = in.OwnerID
	}
	if in.AutomationID != "" {
		props[propAutomationID] = in.AutomationID
		props[propSequencePos] = strconv.Itoa(in.SequencePos)
	}
	req := createRequest{Properties: props}
	assoc := &associations{}
	if in.ContactID != "" {
		assoc.Contacts = []string{in.ContactID}
	}
	if in.DealID != "" {
		assoc.Deals = []string{in.DealID}
	}
	if in.CompanyID != "" {
		assoc.Companies = []string{in.CompanyID}
	}
	if len(assoc.Contacts)+len(assoc.Deals)+len(assoc.Companies) > 0 {
		req.Associations = assoc
	}

	var resp crmObject
	endpoint := fmt.Sprintf("%s/crm/v3/objects/%s", c.baseURL, c.objectType)
	if err := c.doPost(ctx, endpoint, req, &resp); err != nil {
		return "", fmt.Errorf("create task: %w", err)
	}
	if resp.ID == "" {
		return "", &PayloadError{Cause: fmt.Errorf("create response missing id")}
	}
	return resp.ID, nil
}

// PatchTask updates task properties in the CRM.
func (c *Client) PatchTask(ctx context.Context, externalID string, properties map[string]string) error {
	endpoint := fmt.Sprintf("%s/crm/v3/objects/%s/%s", c.baseURL, c.objectType, url.PathEscape(externalID))
	if err := c.doJSON(ctx, http.MethodPatch, endpoint, patchRequest{Properties: properties}, nil); err != nil {
		return fmt.Errorf("patch task %s: %w", externalID, err)
	}
	return nil
}

// BatchArchiveTasks archives up to batchLimit tasks in one call. Callers
// chunk larger sets themselves so one bad batch does not sink the rest.
func (c *Client) BatchArchiveTasks(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	if len(ids) > batchLimit {
		return fmt.Errorf("crm: batch archive of %d exceeds limit %d", len(ids), batchLimit)
	}
	req := batchRequest{}
	for _, id := range ids {
		req.Inputs = append(req.Inputs, batchInput{ID: id})
	}
	endpoint := fmt.Sprintf("%s/crm/v3/objects/%s/batch/archive", c.baseURL, c.objectType)
	if err := c.doJSON(ctx, http.MethodPost, endpoint, req, nil); err != nil {
		return fmt.Errorf("batch archive tasks: %w", err)
	}
	return nil
}

// ListOwners returns every CRM user, paging until done.
func (c *Client) ListOwners(ctx context.Context) ([]models.Owner, error) {
	var all []models.Owner
	after := ""
	for page := 0; ; page++ {
		if page >= c.pageCap {
			return nil, fmt.Errorf("%w after %d pages", ErrPageCapExceeded, page)
		}
		endpoint := fmt.Sprintf("%s/crm/v3/owners?limit=%d", c.baseURL, batchLimit)
		if after != "" {
			endpoint += "&after=" + url.QueryEscape(after)
		}
		var resp ownersResponse
		if err := c.doGet(ctx, endpoint, &resp); err != nil {
			return nil, fmt.Errorf("list owners page %d: %w", page, err)
		}
		for _, obj := range resp.Results {
			all = append(all, models.Owner{
				ExternalID: obj.ID,
				Email:      obj.Email,
				FirstName:  obj.FirstName,
				LastName:   obj.LastName,
				Archived:   obj.Archived,
			})
		}
		if resp.Paging == nil || resp.Paging.Next.After == "" {
			return all, nil
		}
		after = resp.Paging.Next.After
		c.pause(ctx)
	}
}

// ListMemberships returns the full membership snapshot of one CRM list.
// Records with an unparseable timestamp are dropped with a warning rather
// than failing the whole snapshot.
func (c *Client) ListMemberships(ctx context.Context, listID string) ([]MembershipRecord, error) {
	var all []MembershipRecord
	after := ""
	for page := 0; ; page++ {
		if page >= c.pageCap {
			return nil, fmt.Errorf("%w after %d pages", ErrPageCapExceeded, page)
		}
		endpoint := fmt.Sprintf("%s/crm/v3/lists/%s/memberships?limit=%d",
			c.baseURL, url.PathEscape(listID), batchLimit)
		if after != "" {
			endpoint += "&after=" + url.QueryEscape(after)
		}
		var resp membershipsResponse
		if err := c.doGet(ctx, endpoint, &resp); err != nil {
			return nil, fmt.Errorf("list %s memberships page %d: %w", listID, page, err)
		}
		for _, obj := range resp.Results {
			enteredAt, err := parseCRMTime(obj.Timestamp)
			if err != nil || enteredAt == nil {
				c.logger.Warn().Str("list_id", listID).Str("record_id", obj.RecordID).
					Str("timestamp", obj.Timestamp).Msg("Skipping membership with bad timestamp")
				continue
			}
			all = append(all, MembershipRecord{ObjectID: obj.RecordID, EnteredAt: *enteredAt})
		}
		if resp.Paging == nil || resp.Paging.Next.After == "" {
			return all, nil
		}
		after = resp.Paging.Next.After
		c.pause(ctx)
	}
}

func (c *Client) doGet(ctx context.Context, endpoint string, out any) error {
	return c.withRetry(ctx, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
		if err != nil {
			return err
		}
		return c.do(req, out)
	})
}

func (c *Client) doPost(ctx context.Context, endpoint string, body any, out any) error {
	return c.doJSON(ctx, http.MethodPost, endpoint, body, out)
}

func (c *Client) doJSON(ctx context.Context, method, endpoint string, body any, out any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}
	return c.withRetry(ctx, func() error {
		req, err := http.NewRequestWithContext(ctx, method, endpoint, bytes.NewReader(data))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")
		return c.do(req, out)
	})
}

func (c *Client) withRetry(ctx context.Context, call func() error) error {
	var lastErr error
	for attempt := 0; attempt <= c.retry.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := c.retry.NextDelay(attempt - 1)
			c.logger.Warn().Err(lastErr).Int("attempt", attempt).Dur("delay", delay).
				Msg("Retrying CRM request")
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		if err := c.limiter.Wait(ctx); err != nil {
			return err
		}
		lastErr = call()
		if lastErr == nil {
			metrics.IncCRMRequest("ok")
			return nil
		}
		if !IsTransient(lastErr) {
			metrics.IncCRMRequest("permanent")
			return lastErr
		}
	}
	metrics.IncCRMRequest("exhausted")
	return fmt.Errorf("retries exhausted: %w", lastErr)
}

func (c *Client) do(req *http.Request, out any) error {
	req.Header.Set("Authorization", "Bearer "+c.token)
	resp, err := c.httpClient.Do(req)
	if err != nil {
		// Network errors get the transient treatment.
		return &APIError{StatusCode: http.StatusServiceUnavailable, Body: err.Error()}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return &APIError{StatusCode: resp.StatusCode, Body: string(body)}
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// pause spaces consecutive batch calls so bursts stay under the vendor's
// secondary limits.
func (c *Client) pause(ctx context.Context) {
	if c.batchDelay <= 0 {
		return
	}
	select {
	case <-time.After(c.batchDelay):
	case <-ctx.Done():
	}
}
