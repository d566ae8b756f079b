package gateway

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"log/slog"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/universalai-xyz/5dee-x402-gateway/internal/challenge"
	"github.com/universalai-xyz/5dee-x402-gateway/internal/chains"
	"github.com/universalai-xyz/5dee-x402-gateway/internal/config"
	"github.com/universalai-xyz/5dee-x402-gateway/internal/pipeline"
	"github.com/universalai-xyz/5dee-x402-gateway/internal/protocol"
	"github.com/universalai-xyz/5dee-x402-gateway/internal/provider"
	"github.com/universalai-xyz/5dee-x402-gateway/internal/store"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(discardWriter{}, nil))
}

type discardWriter struct{}

func (discardWriter) Write(p []byte) (int, error) { return len(p), nil }

// closeNotifyRecorder adds the http.CloseNotifier method that
// httputil.ReverseProxy requires but httptest.ResponseRecorder lacks.
type closeNotifyRecorder struct {
	*httptest.ResponseRecorder
	closed chan bool
}

func newCloseNotifyRecorder() *closeNotifyRecorder {
	return &closeNotifyRecorder{ResponseRecorder: httptest.NewRecorder(), closed: make(chan bool, 1)}
}

func (c *closeNotifyRecorder) CloseNotify() <-chan bool { return c.closed }

type stubProvider struct {
	verification *provider.Verification
	verifyErr    error
	settlement   *provider.Settlement
	settleErr    error
}

func (s *stubProvider) Verify(context.Context, *protocol.PaymentPayload, protocol.PaymentRequirements) (*provider.Verification, error) {
	return s.verification, s.verifyErr
}

func (s *stubProvider) Settle(context.Context, *protocol.PaymentPayload, protocol.PaymentRequirements) (*provider.Settlement, error) {
	return s.settlement, s.settleErr
}

type stubSource struct{ provider provider.PaymentProvider }

func (s *stubSource) For(context.Context, *chains.Descriptor) (provider.PaymentProvider, error) {
	return s.provider, nil
}

// recordingBackend captures what the proxy forwards.
type recordingBackend struct {
	path    string
	headers http.Header
}

func (b *recordingBackend) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		b.path = r.URL.Path
		b.headers = r.Header.Clone()
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"forecast":"sunny"}`))
	}
}

type gatewayFixture struct {
	engine  http.Handler
	backend *recordingBackend
	credits *store.CreditStore
}

func newGatewayFixture(t *testing.T, prov provider.PaymentProvider, creditEnabled bool) *gatewayFixture {
	t.Helper()

	backend := &recordingBackend{}
	backendSrv := httptest.NewServer(backend.handler())
	t.Cleanup(backendSrv.Close)

	registry, err := chains.NewRegistry([]chains.Descriptor{{
		ID:           "eip155:8453",
		VM:           chains.VMEVM,
		ChainNumeric: big.NewInt(8453),
		RPCURLRef:    "RPC_URL_8453",
		Token:        chains.Token{Address: "0x8453", Name: "USD Coin", Version: "2", Decimals: 6},
	}}, chains.ActivationInputs{RPCURLs: map[string]string{"RPC_URL_8453": "https://rpc.example"}})
	require.NoError(t, err)

	route := config.Route{
		RouteKey:         "weather",
		BackendBaseURL:   backendSrv.URL,
		BackendKeyRef:    "BACKEND_KEY_WEATHER",
		BackendKeyHeader: "X-Api-Key",
		PriceAtomic:      10000,
		DisplayPrice:     "$0.01",
		PayToEVM:         "0x2222222222222222222222222222222222222222",
		CreditPolicy:     config.DefaultCreditPolicy(),
	}
	cfg := &config.Config{
		Routes:      map[string]config.Route{"weather": route},
		BackendKeys: map[string]string{"BACKEND_KEY_WEATHER": "backend-secret"},
	}

	kv := store.NewMemoryKV()
	credits := store.NewCreditStore(kv)
	pipe := pipeline.New(
		registry,
		challenge.NewBuilder(registry, "https://gateway.example", ""),
		&stubSource{provider: prov},
		store.NewNonceStore(kv, testLogger()),
		store.NewIdempotencyStore(kv, testLogger()),
		credits,
		creditEnabled,
		testLogger(),
	)

	engine, err := NewServer(cfg, pipe, testLogger())
	require.NoError(t, err)

	return &gatewayFixture{engine: engine, backend: backend, credits: credits}
}

func settledProvider(nonceKey string) *stubProvider {
	block := uint64(42)
	return &stubProvider{
		verification: &provider.Verification{Payer: "0xpayer", NonceKey: nonceKey},
		settlement:   &provider.Settlement{TxHash: "0xtx", Network: "eip155:8453", BlockNumber: &block, Payer: "0xpayer"},
	}
}

func paymentHeader(t *testing.T) string {
	t.Helper()
	data, err := json.Marshal(map[string]interface{}{
		"x402Version": 1,
		"scheme":      "exact",
		"network":     "eip155:8453",
		"payload":     map[string]interface{}{"signature": "0xabc"},
	})
	require.NoError(t, err)
	return base64.StdEncoding.EncodeToString(data)
}

func TestGatewayEndpoints(t *testing.T) {
	f := newGatewayFixture(t, settledProvider("g-endpoints"), false)

	t.Run("healthz", func(t *testing.T) {
		w := newCloseNotifyRecorder()
		f.engine.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))
		assert.Equal(t, http.StatusOK, w.Code)
	})

	t.Run("metrics", func(t *testing.T) {
		w := newCloseNotifyRecorder()
		f.engine.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
		assert.Equal(t, http.StatusOK, w.Code)
	})
}

func TestGatewayPaymentFlow(t *testing.T) {
	t.Run("unpaid request gets a 402 challenge", func(t *testing.T) {
		f := newGatewayFixture(t, settledProvider("g-unpaid"), false)
		w := newCloseNotifyRecorder()
		f.engine.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/weather/today", nil))

		assert.Equal(t, http.StatusPaymentRequired, w.Code)
		assert.NotEmpty(t, w.Header().Get(protocol.HeaderPaymentRequired))

		var body protocol.PaymentRequired
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
		require.Len(t, body.Accepts, 1)
		assert.Equal(t, "10000", body.Accepts[0].Amount)
		assert.Empty(t, f.backend.path)
	})

	t.Run("paid request reaches the backend", func(t *testing.T) {
		f := newGatewayFixture(t, settledProvider("g-paid"), false)
		req := httptest.NewRequest(http.MethodGet, "/weather/today", nil)
		req.Header.Set(protocol.HeaderPaymentSignature, paymentHeader(t))
		w := newCloseNotifyRecorder()
		f.engine.ServeHTTP(w, req)

		assert.Equal(t, http.StatusOK, w.Code)
		assert.JSONEq(t, `{"forecast":"sunny"}`, w.Body.String())

		r, err := protocol.DecodeReceipt(w.Header().Get(protocol.HeaderPaymentResponse))
		require.NoError(t, err)
		assert.Equal(t, "0xtx", r.TxHash)

		// Route prefix is stripped; credentials injected; payment headers not forwarded.
		assert.Equal(t, "/today", f.backend.path)
		assert.Equal(t, "backend-secret", f.backend.headers.Get("X-Api-Key"))
		assert.Empty(t, f.backend.headers.Get(protocol.HeaderPaymentSignature))
		assert.Empty(t, f.backend.headers.Get(protocol.HeaderXPayment))
	})

	t.Run("x-payment header is accepted as a fallback", func(t *testing.T) {
		f := newGatewayFixture(t, settledProvider("g-fallback"), false)
		req := httptest.NewRequest(http.MethodGet, "/weather/today", nil)
		req.Header.Set(protocol.HeaderXPayment, paymentHeader(t))
		w := newCloseNotifyRecorder()
		f.engine.ServeHTTP(w, req)
		assert.Equal(t, http.StatusOK, w.Code)
	})

	t.Run("malformed envelope is a 400", func(t *testing.T) {
		f := newGatewayFixture(t, settledProvider("g-malformed"), false)
		req := httptest.NewRequest(http.MethodGet, "/weather/today", nil)
		req.Header.Set(protocol.HeaderPaymentSignature, "!!garbage!!")
		w := newCloseNotifyRecorder()
		f.engine.ServeHTTP(w, req)

		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.Empty(t, f.backend.path)
	})

	t.Run("rejected verification never reaches the backend", func(t *testing.T) {
		prov := &stubProvider{
			verifyErr: provider.NewVerifyError(provider.ReasonInvalidSignature, "", "eip155:8453", nil),
		}
		f := newGatewayFixture(t, prov, false)
		req := httptest.NewRequest(http.MethodGet, "/weather/today", nil)
		req.Header.Set(protocol.HeaderPaymentSignature, paymentHeader(t))
		w := newCloseNotifyRecorder()
		f.engine.ServeHTTP(w, req)

		assert.Equal(t, http.StatusPaymentRequired, w.Code)
		var body protocol.PaymentRequired
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
		assert.Equal(t, provider.ReasonInvalidSignature, body.Reason)
		assert.Empty(t, f.backend.path)
	})

	t.Run("credit redemption marks the response", func(t *testing.T) {
		f := newGatewayFixture(t, settledProvider("g-credit"), true)
		_, err := f.credits.Issue(context.Background(), "0xpayer", "weather", 10, time.Minute)
		require.NoError(t, err)

		req := httptest.NewRequest(http.MethodGet, "/weather/today", nil)
		req.Header.Set(protocol.HeaderPaymentSignature, paymentHeader(t))
		w := newCloseNotifyRecorder()
		f.engine.ServeHTTP(w, req)

		assert.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, protocol.CreditConsumedValue, w.Header().Get(protocol.HeaderCredit))
		assert.Empty(t, w.Header().Get(protocol.HeaderPaymentResponse))
	})
}
