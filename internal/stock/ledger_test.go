package stock

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/xenking/orderdesk/internal/domain/product"
)

func newTestLedger(levels map[string]int) *Ledger {
	products := make([]product.Product, 0, len(levels))
	for id, n := range levels {
		products = append(products, product.Product{ID: id, Name: id, Stock: n})
	}
	l := NewLedger()
	l.Load(products)
	return l
}

func TestTryReserve(t *testing.T) {
	tests := []struct {
		name      string
		stock     int
		qty       int
		wantOK    bool
		wantErr   error
		wantAvail int
	}{
		{name: "enough stock", stock: 10, qty: 3, wantOK: true, wantAvail: 7},
		{name: "exact stock", stock: 3, qty: 3, wantOK: true, wantAvail: 0},
		{name: "shortfall leaves stock untouched", stock: 2, qty: 3, wantOK: false, wantAvail: 2},
		{name: "zero stock", stock: 0, qty: 1, wantOK: false, wantAvail: 0},
		{name: "zero quantity", stock: 5, qty: 0, wantErr: ErrInvalidQuantity, wantAvail: 5},
		{name: "negative quantity", stock: 5, qty: -2, wantErr: ErrInvalidQuantity, wantAvail: 5},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l := newTestLedger(map[string]int{"p1": tt.stock})

			ok, err := l.TryReserve("p1", tt.qty)
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
			} else {
				require.NoError(t, err)
			}
			assert.Equal(t, tt.wantOK, ok)

			avail, err := l.Available("p1")
			require.NoError(t, err)
			assert.Equal(t, tt.wantAvail, avail)
		})
	}
}

func TestTryReserve_UnknownProduct(t *testing.T) {
	l := newTestLedger(map[string]int{"p1": 5})

	_, err := l.TryReserve("nope", 1)
	require.ErrorIs(t, err, ErrUnknownProduct)
}

func TestTryReserve_Concurrent(t *testing.T) {
	l := newTestLedger(map[string]int{"p1": 5})

	const workers = 16
	var (
		wg      sync.WaitGroup
		success atomic.Int32
		start   = make(chan struct{})
	)
	for range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			ok, err := l.TryReserve("p1", 3)
			assert.NoError(t, err)
			if ok {
				success.Add(1)
			}
		}()
	}
	close(start)
	wg.Wait()

	assert.Equal(t, int32(1), success.Load())
	avail, err := l.Available("p1")
	require.NoError(t, err)
	assert.Equal(t, 2, avail)
}

func TestRelease(t *testing.T) {
	l := newTestLedger(map[string]int{"p1": 10})

	ok, err := l.TryReserve("p1", 4)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, l.Release("p1", 3))
	avail, _ := l.Available("p1")
	assert.Equal(t, 9, avail)

	err = l.Release("p1", 2)
	require.ErrorIs(t, err, ErrReleaseExceedsReserved)

	require.NoError(t, l.Release("p1", 1))
	avail, _ = l.Available("p1")
	assert.Equal(t, 10, avail)
}

func TestRelease_WithoutReservation(t *testing.T) {
	l := newTestLedger(map[string]int{"p1": 10})

	err := l.Release("p1", 1)
	require.ErrorIs(t, err, ErrReleaseExceedsReserved)

	avail, _ := l.Available("p1")
	assert.Equal(t, 10, avail)
}

func TestSettle(t *testing.T) {
	l := newTestLedger(map[string]int{"p1": 10})

	ok, err := l.TryReserve("p1", 4)
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, l.Settle("p1", 4))

	assert.Equal(t, []Level{{ProductID: "p1", Available: 6, Reserved: 0}}, l.Levels())
	require.ErrorIs(t, l.Release("p1", 1), ErrReleaseExceedsReserved)
}

func TestSetAndRemove(t *testing.T) {
	l := newTestLedger(map[string]int{"p1": 10})

	ok, err := l.TryReserve("p1", 2)
	require.NoError(t, err)
	require.True(t, ok)

	l.Set("p1", 50)
	l.Set("p2", -4)

	assert.Equal(t, []Level{
		{ProductID: "p1", Available: 48, Reserved: 2},
		{ProductID: "p2", Available: 0, Reserved: 0},
	}, l.Levels())

	l.Remove("p1")
	_, err = l.TryReserve("p1", 1)
	require.ErrorIs(t, err, ErrUnknownProduct)
	_, err = l.Available("p1")
	require.ErrorIs(t, err, ErrUnknownProduct)
}

func TestSet_KeepsReservationsOutOfStock(t *testing.T) {
	tests := []struct {
		name      string
		level     int
		reserve   int
		settle    bool
		wantAvail int
		wantRes   int
	}{
		{name: "restock then settle", level: 20, reserve: 3, settle: true, wantAvail: 17},
		{name: "restock then release", level: 20, reserve: 3, wantAvail: 20},
		{name: "level below reserved", level: 2, reserve: 3, settle: true, wantAvail: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l := NewLedger()
			l.Set("p1", 10)

			ok, err := l.TryReserve("p1", tt.reserve)
			require.NoError(t, err)
			require.True(t, ok)

			l.Set("p1", tt.level)
			if tt.settle {
				require.NoError(t, l.Settle("p1", tt.reserve))
			} else {
				require.NoError(t, l.Release("p1", tt.reserve))
			}

			assert.Equal(t, []Level{{ProductID: "p1", Available: tt.wantAvail, Reserved: tt.wantRes}}, l.Levels())
		})
	}
}

func TestLedger_NeverNegative(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		initial := rapid.IntRange(0, 100).Draw(t, "stock")
		l := newTestLedger(map[string]int{"p1": initial})
		reserved := 0

		steps := rapid.IntRange(1, 50).Draw(t, "steps")
		for i := 0; i < steps; i++ {
			qty := rapid.IntRange(1, 20).Draw(t, "qty")
			if rapid.Bool().Draw(t, "reserve") {
				ok, err := l.TryReserve("p1", qty)
				if err != nil {
					t.Fatalf("reserve: %v", err)
				}
				if ok {
					reserved += qty
				}
			} else if err := l.Release("p1", qty); err == nil {
				reserved -= qty
			}

			avail, err := l.Available("p1")
			if err != nil {
				t.Fatalf("available: %v", err)
			}
			if avail < 0 {
				t.Fatalf("available went negative: %d", avail)
			}
			if avail+reserved != initial {
				t.Fatalf("available %d + reserved %d != stock %d", avail, reserved, initial)
			}
		}
	})
}
