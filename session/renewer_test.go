package session

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/autoposter/console/client"
	"github.com/autoposter/console/credstore"
	"github.com/autoposter/console/storage/memory"
)

// rotatingDoer answers refresh exchanges the way the backend does: a refresh
// credential works once, and reusing it is rejected.
type rotatingDoer struct {
	mu       sync.Mutex
	current  string
	issued   int
	rejected int
}

func (d *rotatingDoer) Do(_ context.Context, req client.Request) (json.RawMessage, error) {
	if req.Path != "/auth/refresh" {
		return nil, nil
	}
	body := req.Body.(map[string]string)

	d.mu.Lock()
	defer d.mu.Unlock()
	if body["refresh_token"] != d.current {
		d.rejected++
		return nil, &client.APIError{StatusCode: http.StatusUnauthorized, Status: "401 Unauthorized"}
	}
	d.issued++
	d.current = fmt.Sprintf("r%d", d.issued)
	return json.Marshal(tokenResponse{AccessToken: fmt.Sprintf("a%d", d.issued), RefreshToken: d.current})
}

func (d *rotatingDoer) counts() (issued, rejected int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.issued, d.rejected
}

func TestRenew_BackToBackFlightsNeverReuseRotatedRefresh(t *testing.T) {
	const (
		rounds  = 50
		callers = 32
	)
	doer := &rotatingDoer{current: "r0"}
	store := credstore.New(memory.NewRepository())
	store.SetTokens(credstore.Pair{Access: "a0", Refresh: "r0"})
	renewer := New(store, doer).Renewer()

	for round := 0; round < rounds; round++ {
		stale := store.AccessToken()
		start := make(chan struct{})
		results := make([]string, callers)
		errs := make([]error, callers)
		var wg sync.WaitGroup
		for i := 0; i < callers; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				<-start
				results[i], errs[i] = renewer.Renew(context.Background(), stale)
			}(i)
		}
		close(start)
		wg.Wait()

		fresh := store.AccessToken()
		require.NotEqual(t, stale, fresh, "round %d", round)
		for i := range results {
			require.NoError(t, errs[i], "round %d caller %d", round, i)
			assert.Equal(t, fresh, results[i], "round %d caller %d", round, i)
		}
		issued, rejected := doer.counts()
		require.Equal(t, round+1, issued, "one exchange per round")
		require.Zero(t, rejected, "a rotated refresh credential was sent again")
	}
}

func TestRenew_SignedOutPublishesOnce(t *testing.T) {
	doer := &rotatingDoer{current: "r0"}
	s := New(credstore.New(memory.NewRepository()), doer)
	events, cancel := s.Events().Channel(4)
	defer cancel()

	_, err := s.Renewer().Renew(context.Background(), "")
	assert.ErrorIs(t, err, ErrSessionExpired)
	issued, rejected := doer.counts()
	assert.Zero(t, issued+rejected)

	select {
	case e := <-events:
		assert.Equal(t, ReasonNoRenewalCredential, e.Reason)
	default:
		t.Fatal("no expiry event")
	}
}
