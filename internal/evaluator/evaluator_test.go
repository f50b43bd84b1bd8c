package evaluator

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"claimline/internal/config"
	"claimline/internal/domain"
)

var claim = domain.Claim{ClaimID: "OP-1001", CustomerName: "Jane Doe", BillAmount: 250, Category: "outpatient", Status: "submitted"}

func stub(t *testing.T, status int, body string, delay time.Duration) (*httptest.Server, *Request) {
	t.Helper()
	var got Request
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&got)
		if delay > 0 {
			select {
			case <-time.After(delay):
			case <-r.Context().Done():
				return
			}
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv, &got
}

func TestCoverageEligible(t *testing.T) {
	srv, got := stub(t, http.StatusOK, `{"status":"pass","payload":{"eligible":true,"max_allowed":2000,"reason":"within limit"}}`, 0)
	p := &Proxy{Stage: domain.StageCoverage, URL: srv.URL, Task: "check coverage"}
	v, err := p.Evaluate(context.Background(), claim)
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomePass, v.Outcome)
	assert.Equal(t, "within limit", v.Reason)
	require.NotNil(t, v.MaxAllowed)
	assert.Equal(t, 2000.0, *v.MaxAllowed)
	assert.Equal(t, "OP-1001", got.ClaimSnapshot.ClaimID)
	assert.Equal(t, "check coverage", got.TaskDescription)
	assert.Equal(t, domain.StageCoverage, got.Stage)
}

func TestCoverageRejectionIsVerdictNotError(t *testing.T) {
	srv, _ := stub(t, http.StatusOK, `{"status":"fail","payload":{"eligible":false}}`, 0)
	p := &Proxy{Stage: domain.StageCoverage, URL: srv.URL}
	v, err := p.Evaluate(context.Background(), claim)
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeFail, v.Outcome)
	assert.Equal(t, "Coverage rules rejection: Coverage limits exceeded", v.Reason)
}

func TestDocumentAndIntakeDecode(t *testing.T) {
	v, err := Decode(domain.StageDocument, Response{Status: "pass", Summary: "documents valid", Payload: json.RawMessage(`{"confidence":0.93,"extracted_fields":{"amount":250}}`)})
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomePass, v.Outcome)
	assert.InDelta(t, 0.93, v.Confidence, 1e-9)
	assert.Equal(t, 250.0, v.ExtractedFields["amount"])

	v, err = Decode(domain.StageIntake, Response{Status: "pass", Payload: json.RawMessage(`{"verified":false,"mismatches":["name","dob"]}`)})
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeFail, v.Outcome)
	assert.Equal(t, "Intake mismatches: name, dob", v.Reason)

	_, err = Decode(domain.StageIntake, Response{Payload: json.RawMessage(`[1,2]`)})
	require.Error(t, err)
}

func TestTimeoutClassification(t *testing.T) {
	srv, _ := stub(t, http.StatusOK, `{"status":"pass"}`, time.Second)
	p := &Proxy{Stage: domain.StageDocument, URL: srv.URL, Timeout: 30 * time.Millisecond}
	_, err := p.Evaluate(context.Background(), claim)
	require.Error(t, err)
	assert.Equal(t, domain.KindEvaluatorTimeout, domain.KindOf(err))
}

func TestTransportClassification(t *testing.T) {
	srv, _ := stub(t, http.StatusBadGateway, `upstream down`, 0)
	p := &Proxy{Stage: domain.StageIntake, URL: srv.URL}
	_, err := p.Evaluate(context.Background(), claim)
	require.Error(t, err)
	assert.Equal(t, domain.KindEvaluatorTransport, domain.KindOf(err))
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusBadGateway, apiErr.StatusCode)

	errSrv, _ := stub(t, http.StatusOK, `{"status":"error","summary":"model unavailable"}`, 0)
	p = &Proxy{Stage: domain.StageIntake, URL: errSrv.URL}
	_, err = p.Evaluate(context.Background(), claim)
	assert.Equal(t, domain.KindEvaluatorTransport, domain.KindOf(err))

	p = &Proxy{Stage: domain.StageIntake, URL: "http://127.0.0.1:1/execute"}
	_, err = p.Evaluate(context.Background(), claim)
	assert.Equal(t, domain.KindEvaluatorTransport, domain.KindOf(err))
}

func TestRegistry(t *testing.T) {
	cfg := config.Default("claimline")
	cfg.Evaluators.Intake.URL = ""
	r := FromConfig(cfg, nil)
	assert.Equal(t, []domain.Stage{domain.StageCoverage, domain.StageDocument}, r.Available())
	_, err := r.Lookup(domain.StageIntake)
	assert.Equal(t, domain.KindEvaluatorTransport, domain.KindOf(err))

	r.Register(domain.StageIntake, Func(func(context.Context, domain.Claim) (domain.Verdict, error) {
		return domain.Verdict{Stage: domain.StageIntake, Outcome: domain.OutcomePass}, nil
	}))
	ev, err := r.Lookup(domain.StageIntake)
	require.NoError(t, err)
	v, err := ev.Evaluate(context.Background(), claim)
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomePass, v.Outcome)
}

func TestLimiter(t *testing.T) {
	l := NewLimiter(0, 0)
	for i := 0; i < 100; i++ {
		assert.True(t, l.Allow("coverage"))
	}
	l.SetRate("document", 1, 1)
	assert.True(t, l.Allow("document"))
	assert.False(t, l.Allow("document"))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.Error(t, l.Wait(ctx, "document"))
}
