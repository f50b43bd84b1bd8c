package gateway_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"claimline/internal/db"
	"claimline/internal/domain"
	"claimline/internal/gateway"
	"claimline/internal/migrate"
	"claimline/internal/repo"
)

func sqlGateway(t *testing.T) gateway.SQL {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn))
	r := repo.Repo{DB: conn}
	require.NoError(t, r.UpsertClaim(context.Background(), domain.Claim{ClaimID: "OP-1001", CustomerName: "Jane Doe", BillAmount: 250, Category: "outpatient"}))
	return gateway.SQL{Repo: r}
}

func TestSQLGateway(t *testing.T) {
	g := sqlGateway(t)
	ctx := context.Background()
	c, err := g.ReadByID(ctx, "op-1001")
	require.NoError(t, err)
	assert.Equal(t, "Jane Doe", c.CustomerName)
	assert.Equal(t, "submitted", c.Status)

	_, err = g.ReadByID(ctx, "OP-9999")
	require.Error(t, err)
	assert.Equal(t, domain.KindNotFound, domain.KindOf(err))
	assert.True(t, errors.Is(err, gateway.ErrNotFound))
	assert.True(t, errors.Is(err, repo.ErrNotFound))

	require.NoError(t, g.UpdateStatus(ctx, "OP-1001", "approved"))
	c, err = g.ReadByID(ctx, "OP-1001")
	require.NoError(t, err)
	assert.Equal(t, "approved", c.Status)
	assert.Equal(t, domain.KindNotFound, domain.KindOf(g.UpdateStatus(ctx, "OP-9999", "denied")))
}

func TestHTTPGateway(t *testing.T) {
	var patched string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodGet && r.URL.Path == "/claims/IP-2002":
			_ = json.NewEncoder(w).Encode(domain.Claim{ClaimID: "IP-2002", CustomerName: "John Roe", BillAmount: 5000, Category: "inpatient", Status: "submitted"})
		case r.Method == http.MethodPatch && r.URL.Path == "/claims/IP-2002/status":
			var body map[string]string
			_ = json.NewDecoder(r.Body).Decode(&body)
			patched = body["status"]
			w.WriteHeader(http.StatusNoContent)
		case r.URL.Path == "/claims/IP-500":
			http.Error(w, "boom", http.StatusInternalServerError)
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	g := gateway.NewHTTP(srv.URL+"/", time.Second)
	ctx := context.Background()
	c, err := g.ReadByID(ctx, "IP-2002")
	require.NoError(t, err)
	assert.Equal(t, 5000.0, c.BillAmount)

	_, err = g.ReadByID(ctx, "IP-404")
	assert.Equal(t, domain.KindNotFound, domain.KindOf(err))

	_, err = g.ReadByID(ctx, "IP-500")
	require.Error(t, err)
	assert.Empty(t, domain.KindOf(err))

	require.NoError(t, g.UpdateStatus(ctx, "IP-2002", "manual_review"))
	assert.Equal(t, "manual_review", patched)
}

func TestHTTPGatewayConcurrentUse(t *testing.T) {
	var patches atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPatch {
			patches.Add(1)
			w.WriteHeader(http.StatusNoContent)
			return
		}
		_ = json.NewEncoder(w).Encode(domain.Claim{ClaimID: "IP-2002", CustomerName: "John Roe", BillAmount: 5000, Category: "inpatient"})
	}))
	defer srv.Close()

	for _, g := range []*gateway.HTTP{
		gateway.NewHTTP(srv.URL, time.Second),
		{BaseURL: srv.URL, Timeout: time.Second},
	} {
		patches.Store(0)
		ctx := context.Background()
		var wg sync.WaitGroup
		errs := make(chan error, 16)
		for i := 0; i < 8; i++ {
			wg.Add(2)
			go func() {
				defer wg.Done()
				_, err := g.ReadByID(ctx, "IP-2002")
				errs <- err
			}()
			go func() {
				defer wg.Done()
				errs <- g.UpdateStatus(ctx, "IP-2002", "approved")
			}()
		}
		wg.Wait()
		close(errs)
		for err := range errs {
			require.NoError(t, err)
		}
		assert.Equal(t, int32(8), patches.Load())
	}
}

type countingGateway struct {
	reads   atomic.Int32
	updates atomic.Int32
	status  string
}

func (g *countingGateway) ReadByID(_ context.Context, id string) (domain.Claim, error) {
	g.reads.Add(1)
	if id == "OP-404" {
		return domain.Claim{}, errors.New("missing")
	}
	return domain.Claim{ClaimID: id, Status: g.status}, nil
}

func (g *countingGateway) UpdateStatus(_ context.Context, _ string, status string) error {
	g.updates.Add(1)
	g.status = status
	return nil
}

func TestCachedGateway(t *testing.T) {
	next := &countingGateway{status: "submitted"}
	g := gateway.NewCached(next, time.Minute)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		c, err := g.ReadByID(ctx, "OP-1")
		require.NoError(t, err)
		assert.Equal(t, "submitted", c.Status)
	}
	assert.Equal(t, int32(1), next.reads.Load())

	_, err := g.ReadByID(ctx, "OP-404")
	require.Error(t, err)
	_, _ = g.ReadByID(ctx, "OP-404")
	assert.Equal(t, int32(3), next.reads.Load())

	require.NoError(t, g.UpdateStatus(ctx, "OP-1", "approved"))
	c, err := g.ReadByID(ctx, "OP-1")
	require.NoError(t, err)
	assert.Equal(t, "approved", c.Status)
	assert.Equal(t, int32(4), next.reads.Load())
}
