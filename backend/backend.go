// Package backend is the typed call surface of the content-operations
// backend. Payloads are passed through as raw JSON; every call goes through
// a Caller, normally a *session.Session, which handles credentials.
package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"slices"

	"github.com/autoposter/console/client"
)

// Caller sends one logical backend call.
type Caller interface {
	Do(ctx context.Context, req client.Request) (json.RawMessage, error)
}

// Agents accepted by RunAgent.
var Agents = []string{"scout", "writer", "editor", "publisher", "promoter", "morgan"}

// PipelineStatuses lists the pipeline item states in workflow order.
var PipelineStatuses = []string{
	"backlog", "todo", "writing", "review", "ready_to_publish", "published", "amplified", "done",
}

// Client calls the domain routes of the backend.
type Client struct {
	caller Caller
}

// New returns a Client sending calls through caller.
func New(caller Caller) *Client {
	return &Client{caller: caller}
}

func (c *Client) get(ctx context.Context, path string, query url.Values) (json.RawMessage, error) {
	return c.caller.Do(ctx, client.Request{Method: http.MethodGet, Path: path, Query: query})
}

func (c *Client) post(ctx context.Context, path string, body any) (json.RawMessage, error) {
	return c.caller.Do(ctx, client.Request{Method: http.MethodPost, Path: path, Body: body})
}

func (c *Client) public(ctx context.Context, path string) (json.RawMessage, error) {
	return c.caller.Do(ctx, client.Request{Method: http.MethodGet, Path: path, SkipAuth: true})
}

// itemPath addresses one record. Backend ids are UUIDs; id is escaped so a
// malformed one can never change the route.
func itemPath(prefix, id, action string) string {
	p := prefix + "/" + url.PathEscape(id)
	if action != "" {
		p += "/" + action
	}
	return p
}

func onOff(on bool) string {
	if on {
		return "on"
	}
	return "off"
}

// Health reports liveness. It needs no credentials.
func (c *Client) Health(ctx context.Context) (json.RawMessage, error) {
	return c.public(ctx, "/health")
}

// DeepHealth checks the backend's dependencies.
func (c *Client) DeepHealth(ctx context.Context) (json.RawMessage, error) {
	return c.public(ctx, "/health/deep")
}

// Readiness reports whether the backend accepts traffic.
func (c *Client) Readiness(ctx context.Context) (json.RawMessage, error) {
	return c.public(ctx, "/health/readiness")
}

func (c *Client) Drafts(ctx context.Context) (json.RawMessage, error) {
	return c.get(ctx, "/drafts", nil)
}

func (c *Client) CreateDraft(ctx context.Context, payload any) (json.RawMessage, error) {
	return c.post(ctx, "/drafts", payload)
}

// GenerateDraft asks the backend to write a draft from its sources.
func (c *Client) GenerateDraft(ctx context.Context) (json.RawMessage, error) {
	return c.post(ctx, "/drafts/generate", nil)
}

func (c *Client) ApproveDraft(ctx context.Context, id string) (json.RawMessage, error) {
	return c.post(ctx, itemPath("/drafts", id, "approve"), struct{}{})
}

func (c *Client) RejectDraft(ctx context.Context, id string, reason string) (json.RawMessage, error) {
	return c.post(ctx, itemPath("/drafts", id, "reject"), map[string]string{"reason": reason})
}

func (c *Client) Posts(ctx context.Context) (json.RawMessage, error) {
	return c.get(ctx, "/posts", nil)
}

func (c *Client) Post(ctx context.Context, id string) (json.RawMessage, error) {
	return c.get(ctx, itemPath("/posts", id, ""), nil)
}

// PublishDue publishes every scheduled post whose time has come.
func (c *Client) PublishDue(ctx context.Context) (json.RawMessage, error) {
	return c.post(ctx, "/posts/publish-due", nil)
}

// ConfirmManualPublish records that a post was published by hand at postURL.
func (c *Client) ConfirmManualPublish(ctx context.Context, id string, postURL string) (json.RawMessage, error) {
	return c.post(ctx, itemPath("/posts", id, "confirm-manual-publish"), map[string]string{"linkedin_post_url": postURL})
}

func (c *Client) UpdateMetrics(ctx context.Context, id string, payload any) (json.RawMessage, error) {
	return c.post(ctx, itemPath("/posts", id, "metrics"), payload)
}

func (c *Client) Comments(ctx context.Context) (json.RawMessage, error) {
	return c.get(ctx, "/comments", nil)
}

func (c *Client) CreateComment(ctx context.Context, payload any) (json.RawMessage, error) {
	return c.post(ctx, "/comments", payload)
}

func (c *Client) PollEngagement(ctx context.Context) (json.RawMessage, error) {
	return c.post(ctx, "/engagement/poll", nil)
}

func (c *Client) EngagementStatus(ctx context.Context) (json.RawMessage, error) {
	return c.get(ctx, "/engagement/status", nil)
}

func (c *Client) Sources(ctx context.Context) (json.RawMessage, error) {
	return c.get(ctx, "/sources", nil)
}

// IngestSources pulls the given feeds into the source pool.
func (c *Client) IngestSources(ctx context.Context, feedURLs []string) (json.RawMessage, error) {
	if feedURLs == nil {
		feedURLs = []string{}
	}
	return c.post(ctx, "/sources/ingest", map[string][]string{"feed_urls": feedURLs})
}

func (c *Client) LearningWeights(ctx context.Context) (json.RawMessage, error) {
	return c.get(ctx, "/learning/weights", nil)
}

func (c *Client) RecomputeLearning(ctx context.Context) (json.RawMessage, error) {
	return c.post(ctx, "/learning/recompute", nil)
}

func (c *Client) DailyReport(ctx context.Context) (json.RawMessage, error) {
	return c.get(ctx, "/reports/daily", nil)
}

func (c *Client) SendDailyReport(ctx context.Context) (json.RawMessage, error) {
	return c.post(ctx, "/reports/daily/send", nil)
}

func (c *Client) AdminConfig(ctx context.Context) (json.RawMessage, error) {
	return c.get(ctx, "/admin/config", nil)
}

func (c *Client) AlgorithmAlignment(ctx context.Context) (json.RawMessage, error) {
	return c.get(ctx, "/admin/algorithm-alignment", nil)
}

func (c *Client) AuditLogs(ctx context.Context) (json.RawMessage, error) {
	return c.get(ctx, "/admin/audit-logs", nil)
}

// ExportState downloads the backend's configuration and counters.
func (c *Client) ExportState(ctx context.Context) (json.RawMessage, error) {
	return c.get(ctx, "/admin/export-state", nil)
}

// SetKillSwitch stops (on) or resumes (off) all automated activity.
func (c *Client) SetKillSwitch(ctx context.Context, on bool) (json.RawMessage, error) {
	return c.post(ctx, "/admin/kill-switch/"+onOff(on), nil)
}

// SetPosting enables or disables publishing.
func (c *Client) SetPosting(ctx context.Context, on bool) (json.RawMessage, error) {
	return c.post(ctx, "/admin/posting/"+onOff(on), nil)
}

func (c *Client) GenerateContentDraft(ctx context.Context, payload any) (json.RawMessage, error) {
	return c.post(ctx, "/content/generate-draft", payload)
}

func (c *Client) ContentPyramid(ctx context.Context) (json.RawMessage, error) {
	return c.get(ctx, "/content/pyramid", nil)
}

func (c *Client) ContentWeights(ctx context.Context) (json.RawMessage, error) {
	return c.get(ctx, "/content/weights", nil)
}

func (c *Client) PipelineOverview(ctx context.Context) (json.RawMessage, error) {
	return c.get(ctx, "/pipeline/overview", nil)
}

// PipelineItems lists pipeline items, optionally only those in status.
func (c *Client) PipelineItems(ctx context.Context, status string) (json.RawMessage, error) {
	var q url.Values
	if status != "" {
		if err := validStatus(status); err != nil {
			return nil, err
		}
		q = url.Values{"status": {status}}
	}
	return c.get(ctx, "/pipeline/items", q)
}

func (c *Client) PipelineItem(ctx context.Context, id string) (json.RawMessage, error) {
	return c.get(ctx, itemPath("/pipeline/items", id, ""), nil)
}

// TransitionItem moves a pipeline item to status.
func (c *Client) TransitionItem(ctx context.Context, id string, status string) (json.RawMessage, error) {
	if err := validStatus(status); err != nil {
		return nil, err
	}
	return c.post(ctx, itemPath("/pipeline/items", id, "transition"), map[string]string{"to_status": status})
}

// RunAgent runs one pipeline agent immediately.
func (c *Client) RunAgent(ctx context.Context, agent string) (json.RawMessage, error) {
	if !slices.Contains(Agents, agent) {
		return nil, fmt.Errorf("unknown agent %q", agent)
	}
	return c.post(ctx, "/pipeline/run/"+agent, nil)
}

func (c *Client) PipelineHealth(ctx context.Context) (json.RawMessage, error) {
	return c.get(ctx, "/pipeline/health", nil)
}

func validStatus(status string) error {
	if !slices.Contains(PipelineStatuses, status) {
		return fmt.Errorf("unknown pipeline status %q", status)
	}
	return nil
}
