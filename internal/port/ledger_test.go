package port

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shinji-kodama/pm2-http-proxy/internal/event/eventtest"
	"github.com/shinji-kodama/pm2-http-proxy/internal/model"
)

// staticPorts is a PortLister returning a fixed set.
type staticPorts struct {
	set PortSet
	err error
}

func (s staticPorts) ListeningPorts(context.Context) (PortSet, error) {
	if s.err != nil {
		return nil, s.err
	}
	return clonePortSet(s.set), nil
}

// fixedStart makes the random probe start at a known offset.
func fixedStart(offset int) func(int) int {
	return func(n int) int { return offset % n }
}

// TestBook_DisjointFromListeningAndBooked verifies that a new booking never
// lands on a listening port or on another domain's live booking, whatever
// the random start.
func TestBook_DisjointFromListeningAndBooked(t *testing.T) {
	rng := model.PortRange{Low: 9000, High: 9010}
	listening := staticPorts{set: PortSet{9000: {}, 9001: {}}}

	for start := 0; start < rng.Size(); start++ {
		mock := clock.NewMock()
		ledger := NewLedger(listening, WithLedgerClock(mock), WithRandom(fixedStart(2)))

		portX, err := ledger.Book(context.Background(), "domainx.com", rng)
		require.NoError(t, err)
		require.Equal(t, 9002, portX)

		ledger.intn = fixedStart(start)
		portY, err := ledger.Book(context.Background(), "domainy.com", rng)
		require.NoError(t, err)

		assert.GreaterOrEqual(t, portY, 9003, "start offset %d", start)
		assert.LessOrEqual(t, portY, 9010, "start offset %d", start)
	}
}

// TestBook_ConcurrentDomainsGetDistinctPorts verifies that domains booked
// at the same time, against one shared socket table snapshot and the same
// probe start, never share a port.
func TestBook_ConcurrentDomainsGetDistinctPorts(t *testing.T) {
	rng := model.PortRange{Low: 9000, High: 9010}
	table := &fakeTable{ports: []int{9000, 9001}, gate: make(chan struct{})}
	scanner := NewScanner(table, WithScannerClock(clock.NewMock()))
	ledger := NewLedger(scanner, WithLedgerClock(clock.NewMock()), WithRandom(fixedStart(0)))

	domains := []string{"a.com", "b.com", "c.com", "d.com", "e.com", "f.com"}
	ports := make([]int, len(domains))
	errs := make([]error, len(domains))

	var wg sync.WaitGroup
	for i, domain := range domains {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ports[i], errs[i] = ledger.Book(context.Background(), domain, rng)
		}()
	}

	require.Eventually(t, func() bool { return table.calls.Load() == 1 }, time.Second, time.Millisecond)
	close(table.gate)
	wg.Wait()

	seen := make(map[int]string, len(domains))
	for i, domain := range domains {
		require.NoError(t, errs[i], domain)
		assert.True(t, rng.Contains(ports[i]), "%s got %d", domain, ports[i])
		assert.NotContains(t, []int{9000, 9001}, ports[i], "%s got a listening port", domain)
		if other, dup := seen[ports[i]]; dup {
			t.Errorf("%s and %s share port %d", domain, other, ports[i])
		}
		seen[ports[i]] = domain
	}
	assert.Len(t, ledger.Bookings(), len(domains))
}

// TestBook_ProbeWrapsAround verifies the forward probe wraps from the top of
// the range back to its bottom.
func TestBook_ProbeWrapsAround(t *testing.T) {
	rng := model.PortRange{Low: 9000, High: 9003}
	ledger := NewLedger(staticPorts{set: PortSet{9003: {}}},
		WithLedgerClock(clock.NewMock()), WithRandom(fixedStart(3)))

	port, err := ledger.Book(context.Background(), "a.com", rng)
	require.NoError(t, err)
	assert.Equal(t, 9000, port, "starting on the excluded 9003 should wrap to 9000")
}

// TestBook_RangeExhausted verifies that a fully excluded range fails with
// RangeExhausted and never yields a port.
func TestBook_RangeExhausted(t *testing.T) {
	rng := model.PortRange{Low: 9000, High: 9001}
	ledger := NewLedger(staticPorts{set: PortSet{9000: {}, 9001: {}}}, WithLedgerClock(clock.NewMock()))

	port, err := ledger.Book(context.Background(), "a.com", rng)
	require.Error(t, err)
	assert.Zero(t, port)
	assert.ErrorIs(t, err, model.ErrRangeExhausted)

	var tagged *model.Error
	require.ErrorAs(t, err, &tagged)
	assert.Equal(t, "9000-9001", tagged.Data["range"])
}

// TestBook_ExhaustedByOtherBookings verifies that live bookings count
// towards exhaustion just like listening ports.
func TestBook_ExhaustedByOtherBookings(t *testing.T) {
	rng := model.PortRange{Low: 9000, High: 9001}
	ledger := NewLedger(staticPorts{set: PortSet{}}, WithLedgerClock(clock.NewMock()))

	_, err := ledger.Book(context.Background(), "a.com", rng)
	require.NoError(t, err)
	_, err = ledger.Book(context.Background(), "b.com", rng)
	require.NoError(t, err)

	_, err = ledger.Book(context.Background(), "c.com", rng)
	assert.ErrorIs(t, err, model.ErrRangeExhausted)
}

// TestBook_Idempotent verifies that booking the same domain twice before
// expiry returns the same port without scanning again.
func TestBook_Idempotent(t *testing.T) {
	rec := &eventtest.Recorder{}
	ledger := NewLedger(staticPorts{set: PortSet{}}, WithLedgerClock(clock.NewMock()), WithLedgerEmitter(rec))
	rng := model.PortRange{Low: 9000, High: 9100}

	first, err := ledger.Book(context.Background(), "a.com", rng)
	require.NoError(t, err)
	second, err := ledger.Book(context.Background(), "a.com", rng)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, []string{MsgBooked, MsgAlreadyBooked}, rec.Messages())
}

// TestBook_ReversedRange verifies that reversed bounds are swapped.
func TestBook_ReversedRange(t *testing.T) {
	ledger := NewLedger(staticPorts{set: PortSet{}}, WithLedgerClock(clock.NewMock()), WithRandom(fixedStart(0)))

	port, err := ledger.Book(context.Background(), "a.com", model.PortRange{Low: 9005, High: 9000})
	require.NoError(t, err)
	assert.Equal(t, 9000, port)
}

// TestBook_Expiry verifies that a booking is released after its TTL and
// that its port becomes available to other domains again.
func TestBook_Expiry(t *testing.T) {
	mock := clock.NewMock()
	rec := &eventtest.Recorder{}
	rng := model.PortRange{Low: 9000, High: 9000}
	ledger := NewLedger(staticPorts{set: PortSet{}}, WithLedgerClock(mock), WithLedgerEmitter(rec))

	port, err := ledger.Book(context.Background(), "a.com", rng)
	require.NoError(t, err)
	assert.Equal(t, 9000, port)

	_, err = ledger.Book(context.Background(), "b.com", rng)
	require.ErrorIs(t, err, model.ErrRangeExhausted)

	mock.Add(DefaultBookingTTL - time.Millisecond)
	_, ok := ledger.Lookup("a.com")
	assert.True(t, ok, "booking should still be live just before the TTL")

	mock.Add(time.Millisecond)
	_, ok = ledger.Lookup("a.com")
	assert.False(t, ok, "booking should be gone at the TTL")

	port, err = ledger.Book(context.Background(), "b.com", rng)
	require.NoError(t, err)
	assert.Equal(t, 9000, port)

	assert.Eventually(t, func() bool {
		for _, msg := range rec.Messages() {
			if msg == MsgBookingExpired {
				return true
			}
		}
		return false
	}, time.Second, time.Millisecond, "the expiry timer should report the released booking")
}

// TestBook_ScanFailure verifies that a scan failure is surfaced and nothing
// is booked.
func TestBook_ScanFailure(t *testing.T) {
	scanErr := model.New(model.KindScanFailed, "unable to list listening TCP ports", nil)
	ledger := NewLedger(staticPorts{err: scanErr}, WithLedgerClock(clock.NewMock()))

	_, err := ledger.Book(context.Background(), "a.com", model.DefaultPortRange)
	require.Error(t, err)
	assert.ErrorIs(t, err, model.ErrScanFailed)
	assert.True(t, errors.Is(err, scanErr))
	assert.Empty(t, ledger.Bookings())
}

// TestBookings_SnapshotAndClose verifies the ordered snapshot and Close.
func TestBookings_SnapshotAndClose(t *testing.T) {
	ledger := NewLedger(staticPorts{set: PortSet{}}, WithLedgerClock(clock.NewMock()))
	rng := model.PortRange{Low: 9000, High: 9100}

	for _, d := range []string{"b.com", "a.com"} {
		_, err := ledger.Book(context.Background(), d, rng)
		require.NoError(t, err)
	}

	bookings := ledger.Bookings()
	require.Len(t, bookings, 2)
	assert.Equal(t, "a.com", bookings[0].Domain)
	assert.NotEqual(t, bookings[0].Port, bookings[1].Port)

	ledger.Close()
	assert.Empty(t, ledger.Bookings())
}
