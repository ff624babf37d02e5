package market

import (
	"context"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// Agent mirrors a registry profile.
type Agent struct {
	AgentID       string    `json:"agent_id"`
	AgentName     string    `json:"agent_name,omitempty"`
	BaseURL       string    `json:"base_url"`
	Description   string    `json:"description"`
	Tags          []string  `json:"tags"`
	Version       int64     `json:"version"`
	Status        string    `json:"status"`
	RegisteredAt  time.Time `json:"registered_at"`
	LastUpdatedAt time.Time `json:"last_updated_at"`
}

// Registration is the payload of POST /register.
type Registration struct {
	AgentID     string   `json:"agent_id"`
	AgentName   string   `json:"agent_name,omitempty"`
	BaseURL     string   `json:"base_url"`
	Description string   `json:"description"`
	Tags        []string `json:"tags,omitempty"`
	Update      bool     `json:"update,omitempty"`
}

// RegisterResult is the response of POST /register.
type RegisterResult struct {
	Status  string `json:"status"`
	AgentID string `json:"agent_id"`
	Version int64  `json:"version"`
	Created bool   `json:"created"`
}

// AgentQuery filters GET /register/new_entries.
type AgentQuery struct {
	Limit  int
	Offset int
	Cursor string
	Tags   []string
	Query  string
}

// AgentPage is one page of discovered agents.
type AgentPage struct {
	Agents     []Agent `json:"agents"`
	NextCursor string  `json:"next_cursor,omitempty"`
	HasMore    bool    `json:"has_more"`
}

// TaskRequest is the payload of POST /market/tasks.
type TaskRequest struct {
	TaskID      string         `json:"task_id,omitempty"`
	BuyerID     string         `json:"buyer_id,omitempty"`
	Description string         `json:"description"`
	Context     map[string]any `json:"context,omitempty"`
	Complexity  string         `json:"complexity,omitempty"`
}

// TaskSummary is returned when a task is published.
type TaskSummary struct {
	TaskID              string    `json:"task_id"`
	Status              string    `json:"status"`
	DeadlineAt          time.Time `json:"deadline_at"`
	ClaimWindowClosesAt time.Time `json:"claim_window_closes_at"`
}

// Task is the full view of a published task.
type Task struct {
	TaskID              string         `json:"task_id"`
	BuyerID             string         `json:"buyer_id,omitempty"`
	Description         string         `json:"description"`
	Context             map[string]any `json:"context,omitempty"`
	Complexity          string         `json:"complexity"`
	Status              string         `json:"status"`
	CreatedAt           time.Time      `json:"created_at"`
	UpdatedAt           time.Time      `json:"updated_at"`
	ClaimWindowClosesAt time.Time      `json:"claim_window_closes_at"`
	DeadlineAt          time.Time      `json:"deadline_at"`
	SelectedClaimID     string         `json:"selected_claim_id,omitempty"`
	SelectedSellerID    string         `json:"selected_seller_id,omitempty"`
}

// Terms is a seller's offer for a task.
type Terms struct {
	Price      string `json:"price"`
	Asset      string `json:"asset,omitempty"`
	Network    string `json:"network,omitempty"`
	ETASeconds int    `json:"eta_seconds,omitempty"`
	Note       string `json:"note,omitempty"`
}

// Claim is a submitted offer.
type Claim struct {
	ClaimID     string    `json:"claim_id"`
	TaskID      string    `json:"task_id"`
	SellerID    string    `json:"seller_id"`
	Terms       Terms     `json:"terms"`
	SubmittedAt time.Time `json:"submitted_at"`
	Seq         int64     `json:"seq"`
}

// Webhook is a subscription to market events.
type Webhook struct {
	SubscriptionID string    `json:"subscription_id,omitempty"`
	TargetURL      string    `json:"target_url"`
	Events         []string  `json:"events,omitempty"`
	Secret         string    `json:"secret,omitempty"`
	CreatedAt      time.Time `json:"created_at,omitzero"`
}

// Register announces an agent profile.
func (c *Client) Register(ctx context.Context, reg Registration) (RegisterResult, error) {
	var out RegisterResult
	if err := c.post(ctx, "/register", reg, &out); err != nil {
		return RegisterResult{}, err
	}
	return out, nil
}

// RetryPolicy controls RegisterWithRetry.
type RetryPolicy struct {
	Attempts  int
	BaseDelay time.Duration
	MaxDelay  time.Duration
}

// RegisterWithRetry registers with exponential backoff. A 409 means the
// profile already exists and counts as success. Validation failures are not
// retried.
func (c *Client) RegisterWithRetry(ctx context.Context, reg Registration, policy RetryPolicy) (RegisterResult, error) {
	if policy.Attempts <= 0 {
		policy.Attempts = 5
	}
	if policy.BaseDelay <= 0 {
		policy.BaseDelay = time.Second
	}
	if policy.MaxDelay <= 0 {
		policy.MaxDelay = 30 * time.Second
	}
	delay := policy.BaseDelay
	var lastErr error
	for attempt := 1; attempt <= policy.Attempts; attempt++ {
		res, err := c.Register(ctx, reg)
		if err == nil {
			return res, nil
		}
		if IsStatus(err, http.StatusConflict) {
			return RegisterResult{Status: "exists", AgentID: reg.AgentID}, nil
		}
		if IsStatus(err, http.StatusBadRequest) {
			return RegisterResult{}, err
		}
		lastErr = err
		if attempt == policy.Attempts {
			break
		}
		wait := delay
		if after := retryAfter(err); after > wait {
			wait = after
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return RegisterResult{}, ctx.Err()
		case <-timer.C:
		}
		delay = min(delay*2, policy.MaxDelay)
	}
	return RegisterResult{}, lastErr
}

// ListAgents pages through registered agents.
func (c *Client) ListAgents(ctx context.Context, q AgentQuery) (AgentPage, error) {
	query := url.Values{}
	if q.Limit > 0 {
		query.Set("limit", strconv.Itoa(q.Limit))
	}
	if q.Offset > 0 {
		query.Set("offset", strconv.Itoa(q.Offset))
	}
	if q.Cursor != "" {
		query.Set("cursor", q.Cursor)
	}
	if q.Query != "" {
		query.Set("q", q.Query)
	}
	for _, tag := range q.Tags {
		query.Add("tag", tag)
	}
	var page AgentPage
	if err := c.get(ctx, "/register/new_entries", query, &page); err != nil {
		return AgentPage{}, err
	}
	return page, nil
}

// GetAgent fetches a single profile.
func (c *Client) GetAgent(ctx context.Context, agentID string) (Agent, error) {
	var agent Agent
	if err := c.get(ctx, "/agents/"+url.PathEscape(agentID), nil, &agent); err != nil {
		return Agent{}, err
	}
	return agent, nil
}

// CreateTask publishes a task. Re-sending the same task_id returns the
// existing task.
func (c *Client) CreateTask(ctx context.Context, req TaskRequest) (TaskSummary, error) {
	var out TaskSummary
	if err := c.post(ctx, "/market/tasks", req, &out); err != nil {
		return TaskSummary{}, err
	}
	return out, nil
}

// GetTask fetches a published task.
func (c *Client) GetTask(ctx context.Context, taskID string) (Task, error) {
	var out Task
	if err := c.get(ctx, "/market/tasks/"+url.PathEscape(taskID), nil, &out); err != nil {
		return Task{}, err
	}
	return out, nil
}

// ReportStatus moves a task this client's agent was selected for to executing,
// done or failed. Reports from any other agent are rejected with 403.
func (c *Client) ReportStatus(ctx context.Context, taskID, status string) (Task, error) {
	var out Task
	body := map[string]string{"status": status}
	if err := c.post(ctx, "/market/tasks/"+url.PathEscape(taskID)+"/status", body, &out); err != nil {
		return Task{}, err
	}
	return out, nil
}

// SubmitClaim offers terms for an open task.
func (c *Client) SubmitClaim(ctx context.Context, taskID, sellerID string, terms Terms) (Claim, error) {
	var out Claim
	body := map[string]any{"seller_id": sellerID, "terms": terms}
	if err := c.post(ctx, "/market/tasks/"+url.PathEscape(taskID)+"/claims", body, &out); err != nil {
		return Claim{}, err
	}
	return out, nil
}

// Claims lists the offers for a task in arrival order.
func (c *Client) Claims(ctx context.Context, taskID string) ([]Claim, error) {
	var out struct {
		Claims []Claim `json:"claims"`
	}
	if err := c.get(ctx, "/market/tasks/"+url.PathEscape(taskID)+"/claims", nil, &out); err != nil {
		return nil, err
	}
	return out.Claims, nil
}

// SelectClaim picks the winning claim. An empty policy uses the server default.
func (c *Client) SelectClaim(ctx context.Context, taskID, policy string) (Claim, error) {
	var out Claim
	body := map[string]string{"policy": policy}
	if err := c.post(ctx, "/market/tasks/"+url.PathEscape(taskID)+"/select", body, &out); err != nil {
		return Claim{}, err
	}
	return out, nil
}

// AddWebhook subscribes a URL to market events.
func (c *Client) AddWebhook(ctx context.Context, hook Webhook) (Webhook, error) {
	var out Webhook
	if err := c.post(ctx, "/webhooks", hook, &out); err != nil {
		return Webhook{}, err
	}
	return out, nil
}

func retryAfter(err error) time.Duration {
	if apiErr, ok := asAPIError(err); ok {
		return apiErr.RetryAfter
	}
	return 0
}
