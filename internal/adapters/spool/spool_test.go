package spool_test

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"testing"
	"time"

	. "github.com/smartystreets/goconvey/convey"

	"github.com/hixprotocol/hix/internal/adapters/kv"
	"github.com/hixprotocol/hix/internal/adapters/spool"
	"github.com/hixprotocol/hix/internal/domain/model"
	"github.com/hixprotocol/hix/pkg/logger"
)

func TestMain(m *testing.M) {
	if err := logger.Init(logger.WithWriter(io.Discard)); err != nil {
		panic(err)
	}
	os.Exit(m.Run())
}

// flakyStore fails Get or Set on demand.
type flakyStore struct {
	*kv.MemoryStore
	failGet bool
	failSet bool
}

var errDown = errors.New("store down")

func (f *flakyStore) Get(ctx context.Context, key string) (string, bool, error) {
	if f.failGet {
		return "", false, errDown
	}
	return f.MemoryStore.Get(ctx, key)
}

func (f *flakyStore) Set(ctx context.Context, key, value string) error {
	if f.failSet {
		return errDown
	}
	return f.MemoryStore.Set(ctx, key, value)
}

func entries(n int) []model.QueueEntry {
	base := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	out := make([]model.QueueEntry, n)
	for i := range out {
		out[i] = model.QueueEntry{
			ID:        fmt.Sprintf("e%02d", i),
			SessionID: "s1",
			Operator:  "op",
			Tier:      2,
			Reward:    0.5,
			Sample: model.MotionSample{
				Acceleration: model.Vec3{X: float64(i), Y: 1, Z: 2},
				Rotation:     model.Vec3{X: 0.1, Y: 0.2, Z: 0.3},
				Magnitude:    3,
				CapturedAt:   base.Add(time.Duration(i) * time.Millisecond),
			},
			EnqueuedAt: base.Add(time.Duration(i) * time.Millisecond),
		}
	}
	return out
}

func TestSpool_RoundTrip(t *testing.T) {
	ctx := context.Background()

	Convey("Given a spool over a memory store", t, func() {
		store := kv.NewMemoryStore()
		sp := spool.New(store)

		Convey("When entries are appended in two writes", func() {
			all := entries(5)
			So(sp.Append(ctx, all[:3]...), ShouldBeNil)
			So(sp.Append(ctx, all[3:]...), ShouldBeNil)

			Convey("Then ReadAll returns them in order with every field intact", func() {
				got, err := sp.ReadAll(ctx)
				So(err, ShouldBeNil)
				So(got, ShouldHaveLength, 5)
				for i := range all {
					So(got[i].ID, ShouldEqual, all[i].ID)
					So(got[i].Sample.Acceleration, ShouldResemble, all[i].Sample.Acceleration)
					So(got[i].EnqueuedAt.Equal(all[i].EnqueuedAt), ShouldBeTrue)
				}
				So(sp.Len(ctx), ShouldEqual, 5)
			})

			Convey("Then a new spool over the same store sees them", func() {
				So(spool.New(store).Len(ctx), ShouldEqual, 5)
			})

			Convey("And some are removed", func() {
				n, err := sp.Remove(ctx, []string{"e01", "e03", "zz"})
				So(err, ShouldBeNil)
				So(n, ShouldEqual, 2)

				got, _ := sp.ReadAll(ctx)
				So(model.IDs(got), ShouldResemble, []string{"e00", "e02", "e04"})
			})

			Convey("And the spool is cleared", func() {
				So(sp.Clear(ctx), ShouldBeNil)
				So(sp.Len(ctx), ShouldEqual, 0)
			})

			Convey("And the spool is replaced", func() {
				So(sp.Replace(ctx, all[4:]), ShouldBeNil)
				got, _ := sp.ReadAll(ctx)
				So(model.IDs(got), ShouldResemble, []string{"e04"})
			})
		})

		Convey("When appending nothing", func() {
			So(sp.Append(ctx), ShouldBeNil)
			_, ok, _ := store.Get(ctx, kv.KeySpool)
			So(ok, ShouldBeFalse)
		})
	})
}

func TestSpool_Degraded(t *testing.T) {
	ctx := context.Background()

	Convey("Given a spool key holding malformed content", t, func() {
		store := kv.NewMemoryStore()
		So(store.Set(ctx, kv.KeySpool, "{not json"), ShouldBeNil)
		sp := spool.New(store)

		Convey("Then it reads as empty without error", func() {
			got, err := sp.ReadAll(ctx)
			So(err, ShouldBeNil)
			So(got, ShouldBeEmpty)
		})

		Convey("Then an append starts a fresh sequence", func() {
			So(sp.Append(ctx, entries(1)...), ShouldBeNil)
			So(sp.Len(ctx), ShouldEqual, 1)
		})
	})

	Convey("Given a store that fails reads", t, func() {
		store := &flakyStore{MemoryStore: kv.NewMemoryStore()}
		sp := spool.New(store)
		So(sp.Append(ctx, entries(2)...), ShouldBeNil)
		store.failGet = true

		Convey("Then ReadAll reports empty with the error", func() {
			got, err := sp.ReadAll(ctx)
			So(got, ShouldBeEmpty)
			So(errors.Is(err, errDown), ShouldBeTrue)
			So(sp.Len(ctx), ShouldEqual, 0)
		})

		Convey("Then Append does not overwrite what it could not read", func() {
			So(sp.Append(ctx, entries(1)...), ShouldNotBeNil)
			store.failGet = false
			So(sp.Len(ctx), ShouldEqual, 2)
		})
	})

	Convey("Given a store that fails writes", t, func() {
		store := &flakyStore{MemoryStore: kv.NewMemoryStore(), failSet: true}
		sp := spool.New(store)

		Convey("Then Append returns the error", func() {
			err := sp.Append(ctx, entries(1)...)
			So(errors.Is(err, errDown), ShouldBeTrue)
		})
	})
}

func TestSpool_Size(t *testing.T) {
	ctx := context.Background()

	Convey("Given a spool with a size reporter", t, func() {
		store := &flakyStore{MemoryStore: kv.NewMemoryStore()}
		var reported []int
		sp := spool.New(store, spool.WithSizeReporter(func(n int) {
			reported = append(reported, n)
		}))
		So(sp.Size(), ShouldEqual, 0)

		Convey("When entries are appended and removed", func() {
			So(sp.Append(ctx, entries(4)...), ShouldBeNil)
			So(sp.Size(), ShouldEqual, 4)
			_, err := sp.Remove(ctx, []string{"e00"})
			So(err, ShouldBeNil)

			Convey("Then Size follows the writes without reading the store", func() {
				store.failGet = true
				So(sp.Size(), ShouldEqual, 3)
				So(reported[len(reported)-1], ShouldEqual, 3)
			})

			Convey("Then a failed read keeps the last known size", func() {
				store.failGet = true
				So(sp.Len(ctx), ShouldEqual, 0)
				So(sp.Size(), ShouldEqual, 3)
			})
		})

		Convey("When a second spool opens the same store", func() {
			So(sp.Append(ctx, entries(2)...), ShouldBeNil)
			other := spool.New(store, spool.WithSizeReporter(func(int) {}))

			Convey("Then its size is known after the first read", func() {
				So(other.Size(), ShouldEqual, 0)
				So(other.Len(ctx), ShouldEqual, 2)
				So(other.Size(), ShouldEqual, 2)
			})
		})
	})
}
