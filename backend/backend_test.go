package backend

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/autoposter/console/client"
	"github.com/autoposter/console/credstore"
	"github.com/autoposter/console/internal/mockbackend"
	"github.com/autoposter/console/session"
	"github.com/autoposter/console/storage/memory"
)

const (
	draftID = "0b7e9c52-1f3a-4d8e-a6c4-2e9f7b1d3a58"
	postID  = "5c1d8e2a-9b4f-4e7a-b3d6-8f0a2c4e6b19"
	itemID  = "3f2c9a1e-7b4d-4c1a-9e2f-5d6b8a0c1e2f"
)

type recorder struct {
	reqs []client.Request
}

func (r *recorder) Do(_ context.Context, req client.Request) (json.RawMessage, error) {
	r.reqs = append(r.reqs, req)
	return json.RawMessage(`{}`), nil
}

func (r *recorder) last(t *testing.T) client.Request {
	t.Helper()
	require.NotEmpty(t, r.reqs)
	return r.reqs[len(r.reqs)-1]
}

func TestClient_Routes(t *testing.T) {
	ctx := context.Background()
	tests := []struct {
		name   string
		call   func(c *Client) error
		method string
		path   string
		body   any
	}{
		{"drafts", func(c *Client) error { _, err := c.Drafts(ctx); return err }, http.MethodGet, "/drafts", nil},
		{"approve", func(c *Client) error { _, err := c.ApproveDraft(ctx, draftID); return err }, http.MethodPost, "/drafts/"+draftID+"/approve", struct{}{}},
		{"reject", func(c *Client) error { _, err := c.RejectDraft(ctx, draftID, "off-topic"); return err }, http.MethodPost, "/drafts/"+draftID+"/reject", map[string]string{"reason": "off-topic"}},
		{"post", func(c *Client) error { _, err := c.Post(ctx, postID); return err }, http.MethodGet, "/posts/" + postID, nil},
		{"confirm", func(c *Client) error {
			_, err := c.ConfirmManualPublish(ctx, postID, "https://example.com/p/3")
			return err
		}, http.MethodPost, "/posts/"+postID+"/confirm-manual-publish", map[string]string{"linkedin_post_url": "https://example.com/p/3"}},
		{"ingest", func(c *Client) error { _, err := c.IngestSources(ctx, nil); return err }, http.MethodPost, "/sources/ingest", map[string][]string{"feed_urls": {}}},
		{"kill switch", func(c *Client) error { _, err := c.SetKillSwitch(ctx, true); return err }, http.MethodPost, "/admin/kill-switch/on", nil},
		{"posting", func(c *Client) error { _, err := c.SetPosting(ctx, false); return err }, http.MethodPost, "/admin/posting/off", nil},
		{"transition", func(c *Client) error { _, err := c.TransitionItem(ctx, itemID, "review"); return err }, http.MethodPost, "/pipeline/items/"+itemID+"/transition", map[string]string{"to_status": "review"}},
		{"escaped id", func(c *Client) error { _, err := c.PipelineItem(ctx, "../admin/config"); return err }, http.MethodGet, "/pipeline/items/..%2Fadmin%2Fconfig", nil},
		{"run agent", func(c *Client) error { _, err := c.RunAgent(ctx, "scout"); return err }, http.MethodPost, "/pipeline/run/scout", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := &recorder{}
			require.NoError(t, tt.call(New(rec)))
			req := rec.last(t)
			assert.Equal(t, tt.method, req.Method)
			assert.Equal(t, tt.path, req.Path)
			assert.Equal(t, tt.body, req.Body)
			assert.False(t, req.SkipAuth)
		})
	}
}

func TestClient_HealthSkipsAuth(t *testing.T) {
	rec := &recorder{}
	c := New(rec)
	ctx := context.Background()

	_, _ = c.Health(ctx)
	_, _ = c.DeepHealth(ctx)
	_, _ = c.Readiness(ctx)
	require.Len(t, rec.reqs, 3)
	for _, req := range rec.reqs {
		assert.True(t, req.SkipAuth, req.Path)
	}
}

func TestClient_PipelineItemsQuery(t *testing.T) {
	rec := &recorder{}
	c := New(rec)

	_, err := c.PipelineItems(context.Background(), "")
	require.NoError(t, err)
	assert.Empty(t, rec.last(t).Query)

	_, err = c.PipelineItems(context.Background(), "ready_to_publish")
	require.NoError(t, err)
	assert.Equal(t, url.Values{"status": {"ready_to_publish"}}, rec.last(t).Query)
}

func TestClient_RejectsUnknownValues(t *testing.T) {
	rec := &recorder{}
	c := New(rec)

	_, err := c.PipelineItems(context.Background(), "archived")
	assert.Error(t, err)
	_, err = c.TransitionItem(context.Background(), itemID, "archived")
	assert.Error(t, err)
	_, err = c.RunAgent(context.Background(), "janitor")
	assert.Error(t, err)
	assert.Empty(t, rec.reqs)
}

func TestClient_ThroughSession(t *testing.T) {
	mock := mockbackend.New(mockbackend.WithAPIKey("static-key"))
	_, err := mock.AddUser("ops@example.com", "ops", "ops password", "")
	require.NoError(t, err)
	ts := httptest.NewServer(mock.Router())
	t.Cleanup(ts.Close)

	d, err := client.New(ts.URL, client.WithHTTPClient(ts.Client()))
	require.NoError(t, err)
	s := session.New(credstore.New(memory.NewRepository()), d)
	c := New(s)
	ctx := context.Background()

	raw, err := c.Health(ctx)
	require.NoError(t, err)
	assert.JSONEq(t, `{"status":"ok"}`, string(raw))

	_, err = s.Login(ctx, "ops", "ops password")
	require.NoError(t, err)

	raw, err = c.SetKillSwitch(ctx, true)
	require.NoError(t, err)
	assert.JSONEq(t, `{"kill_switch":true,"posting_enabled":true}`, string(raw))

	mock.ExpireAccessTokens()
	raw, err = c.TransitionItem(ctx, itemID, "published")
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":"`+itemID+`","status":"published"}`, string(raw))
	assert.Equal(t, 1, mock.RefreshCalls())
}

func TestClient_StaticKeyWithoutSession(t *testing.T) {
	mock := mockbackend.New(mockbackend.WithAPIKey("static-key"))
	ts := httptest.NewServer(mock.Router())
	t.Cleanup(ts.Close)

	d, err := client.New(ts.URL, client.WithHTTPClient(ts.Client()), client.WithAPIKey("static-key"))
	require.NoError(t, err)
	c := New(session.New(credstore.New(memory.NewRepository()), d))

	_, err = c.PipelineHealth(context.Background())
	require.NoError(t, err)
}
