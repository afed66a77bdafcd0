package observability

import (
	"math/big"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"lendcore/core/events"
)

func TestEventsEmitterCounts(t *testing.T) {
	reg := Events()
	before := testutil.ToFloat64(reg.emitted.WithLabelValues(events.TypeDeposited))
	volumeBefore := testutil.ToFloat64(reg.volume.WithLabelValues("ETH", "deposit"))

	reg.Emit(events.Deposited{Asset: "eth", Amount: big.NewInt(40)})
	reg.Emit(events.FeeCollected{Asset: "USDC", Amount: big.NewInt(3), Deferred: true})

	if got := testutil.ToFloat64(reg.emitted.WithLabelValues(events.TypeDeposited)); got != before+1 {
		t.Fatalf("expected deposit counter %v, got %v", before+1, got)
	}
	if got := testutil.ToFloat64(reg.volume.WithLabelValues("ETH", "deposit")); got != volumeBefore+40 {
		t.Fatalf("expected volume %v, got %v", volumeBefore+40, got)
	}
	if got := testutil.ToFloat64(reg.feeDeferred.WithLabelValues("USDC")); got < 1 {
		t.Fatalf("deferred fee not counted: %v", got)
	}
}

func TestAPIObserve(t *testing.T) {
	reg := API()
	before := testutil.ToFloat64(reg.requests.WithLabelValues("/v1/pools", "GET", "error"))
	reg.Observe("/v1/pools", "GET", 404, 0)
	if got := testutil.ToFloat64(reg.requests.WithLabelValues("/v1/pools", "GET", "error")); got != before+1 {
		t.Fatalf("expected error outcome recorded, got %v", got)
	}
}
