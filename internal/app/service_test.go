package app_test

import (
	"context"
	"errors"
	"io"
	"os"
	"slices"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	. "github.com/smartystreets/goconvey/convey"

	"github.com/hixprotocol/hix/internal/adapters/kv"
	"github.com/hixprotocol/hix/internal/adapters/mq/worker"
	"github.com/hixprotocol/hix/internal/adapters/sensor"
	"github.com/hixprotocol/hix/internal/app"
	"github.com/hixprotocol/hix/internal/domain/model"
	"github.com/hixprotocol/hix/internal/domain/reward"
	"github.com/hixprotocol/hix/internal/domain/types"
	"github.com/hixprotocol/hix/pkg/logger"
)

func TestMain(m *testing.M) {
	if err := logger.Init(logger.WithWriter(io.Discard)); err != nil {
		panic(err)
	}
	os.Exit(m.Run())
}

// journal records the order of side effects across fakes.
type journal struct {
	mu     sync.Mutex
	events []string
}

func (j *journal) add(e string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.events = append(j.events, e)
}

func (j *journal) list() []string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return slices.Clone(j.events)
}

type recordingStore struct {
	*kv.MemoryStore
	j *journal
}

func (r *recordingStore) Set(ctx context.Context, key, value string) error {
	r.j.add("set:" + key)
	return r.MemoryStore.Set(ctx, key, value)
}

type fakeUploader struct {
	mu      sync.Mutex
	fail    bool
	batches [][]model.QueueEntry
	j       *journal
}

func (u *fakeUploader) Upload(_ context.Context, batch []model.QueueEntry) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.j != nil {
		u.j.add("upload")
	}
	if u.fail {
		return errors.New("collector down")
	}
	u.batches = append(u.batches, slices.Clone(batch))
	return nil
}

func (u *fakeUploader) uploaded() []model.QueueEntry {
	u.mu.Lock()
	defer u.mu.Unlock()
	var out []model.QueueEntry
	for _, b := range u.batches {
		out = append(out, b...)
	}
	return out
}

type fakeSource struct {
	mu       sync.Mutex
	listener sensor.Listener
	subs     int
	unsubs   int
}

func (f *fakeSource) Subscribe(_ context.Context, l sensor.Listener) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listener = l
	f.subs++
	return nil
}

func (f *fakeSource) Unsubscribe() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listener = nil
	f.unsubs++
	return nil
}

// stepClock advances one millisecond per call so EnqueuedAt is strictly
// increasing.
func stepClock() func() time.Time {
	var n atomic.Int64
	base := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	return func() time.Time {
		return base.Add(time.Duration(n.Add(1)) * time.Millisecond)
	}
}

var walking = model.Vec3{X: 0.3, Y: 0.2, Z: 9.8}

func TestService_Lifecycle(t *testing.T) {
	Convey("Given an idle service", t, func() {
		ctx := context.Background()
		src := &fakeSource{}
		up := &fakeUploader{}
		svc := app.New(kv.NewMemoryStore(), src, up, app.WithClock(stepClock()))

		Convey("When starting without an operator", func() {
			err := svc.Start(ctx, "  ")

			Convey("Then it is refused", func() {
				So(errors.Is(err, app.ErrMissingOperator), ShouldBeTrue)
				So(svc.Capturing(), ShouldBeFalse)
			})
		})

		Convey("When stopping while idle", func() {
			_, err := svc.Stop(ctx)
			So(errors.Is(err, app.ErrNotCapturing), ShouldBeTrue)
		})

		Convey("When a session is started", func() {
			So(svc.Start(ctx, "0xabc"), ShouldBeNil)
			Reset(func() {
				if svc.Capturing() {
					_, _ = svc.Stop(ctx)
				}
			})

			Convey("Then sensors are subscribed and a second start is refused", func() {
				So(src.subs, ShouldEqual, 1)
				So(svc.Capturing(), ShouldBeTrue)
				So(errors.Is(svc.Start(ctx, "0xabc"), app.ErrAlreadyCapturing), ShouldBeTrue)

				snap := svc.Snapshot(ctx)
				So(snap.State, ShouldEqual, types.StateCapturing)
				So(snap.SessionID, ShouldNotBeEmpty)
				So(snap.Operator, ShouldEqual, "0xabc")
			})

			Convey("Then stopping releases sensors and returns to idle", func() {
				_, err := svc.Stop(ctx)
				So(err, ShouldBeNil)
				So(src.unsubs, ShouldEqual, 1)
				So(svc.Snapshot(ctx).State, ShouldEqual, types.StateIdle)
			})

			Convey("Then each session gets a fresh id", func() {
				first := svc.Snapshot(ctx).SessionID
				_, err := svc.Stop(ctx)
				So(err, ShouldBeNil)
				So(svc.Start(ctx, "0xabc"), ShouldBeNil)
				So(svc.Snapshot(ctx).SessionID, ShouldNotEqual, first)
				_, _ = svc.Stop(ctx)
			})
		})
	})
}

func TestService_Capture(t *testing.T) {
	Convey("Given a capturing session", t, func() {
		ctx := context.Background()
		j := &journal{}
		store := &recordingStore{MemoryStore: kv.NewMemoryStore(), j: j}
		up := &fakeUploader{j: j}
		svc := app.New(store, nil, up,
			app.WithClock(stepClock()),
			app.WithCapabilities(reward.Capabilities{Location: true}),
		)
		So(svc.Start(ctx, "0xabc"), ShouldBeNil)

		Convey("When 12 readings are accepted and one is rejected", func() {
			for range 12 {
				svc.OnAcceleration(walking)
			}
			svc.OnAcceleration(model.Vec3{})
			svc.OnAcceleration(model.Vec3{Z: 50})

			snap := svc.Snapshot(ctx)
			So(snap.VectorsCaptured, ShouldEqual, 12)
			So(snap.Queued, ShouldEqual, 12)
			So(snap.Tier, ShouldEqual, 2)
			So(snap.RewardEarned, ShouldAlmostEqual, 12*0.0001*2, 1e-12)

			report, err := svc.Stop(ctx)

			Convey("Then the final flush uploads everything before the checkpoint", func() {
				So(err, ShouldBeNil)
				So(report.Trigger, ShouldEqual, worker.TriggerFinal)
				So(report.Result, ShouldEqual, worker.ResultNewData)
				So(report.Uploaded, ShouldEqual, 12)
				So(svc.Snapshot(ctx).Queued, ShouldEqual, 0)

				events := j.list()
				upload := slices.Index(events, "upload")
				checkpoint := slices.Index(events, "set:"+kv.KeyAccrual)
				So(upload, ShouldBeGreaterThanOrEqualTo, 0)
				So(checkpoint, ShouldBeGreaterThan, upload)

				raw, ok, err := store.Get(ctx, kv.KeyAccrual)
				So(err, ShouldBeNil)
				So(ok, ShouldBeTrue)
				So(raw, ShouldContainSubstring, `"vectors_captured":12`)
			})

			Convey("Then every record carries the session identity", func() {
				for _, e := range up.uploaded() {
					So(e.Operator, ShouldEqual, "0xabc")
					So(e.Tier, ShouldEqual, 2)
					So(e.SessionID, ShouldNotBeEmpty)
				}
			})
		})

		Convey("When the operator travels a kilometre", func() {
			svc.OnDistance(1000)
			svc.OnDistance(-5)
			svc.OnAcceleration(walking)

			Convey("Then the bonus applies to later samples", func() {
				snap := svc.Snapshot(ctx)
				So(snap.DistanceMeters, ShouldEqual, 1000)
				So(snap.Bonus, ShouldAlmostEqual, 1.1, 1e-9)
				So(snap.RewardEarned, ShouldAlmostEqual, 0.0001*2*1.1, 1e-12)
				_, _ = svc.Stop(ctx)
			})
		})

		Reset(func() {
			if svc.Capturing() {
				_, _ = svc.Stop(ctx)
			}
		})
	})
}

func TestService_IdleCallbacks(t *testing.T) {
	Convey("Given an idle service", t, func() {
		ctx := context.Background()
		svc := app.New(kv.NewMemoryStore(), nil, &fakeUploader{})

		Convey("When sensor callbacks arrive", func() {
			svc.OnRotation(walking)
			svc.OnAcceleration(walking)
			svc.OnDistance(250)

			Convey("Then they are ignored", func() {
				snap := svc.Snapshot(ctx)
				So(snap.VectorsCaptured, ShouldEqual, 0)
				So(snap.Queued, ShouldEqual, 0)
				So(snap.DistanceMeters, ShouldEqual, 0)
			})
		})
	})
}

func TestService_CallbackPanic(t *testing.T) {
	Convey("Given a session whose id source panics", t, func() {
		ctx := context.Background()
		var calls atomic.Int32
		svc := app.New(kv.NewMemoryStore(), nil, &fakeUploader{},
			app.WithIDGenerator(func() string {
				if calls.Add(1) > 1 {
					panic("no entropy")
				}
				return "session-1"
			}),
		)
		So(svc.Start(ctx, "0xabc"), ShouldBeNil)

		Convey("When a reading arrives", func() {
			So(func() { svc.OnAcceleration(walking) }, ShouldNotPanic)

			Convey("Then the service keeps working", func() {
				So(svc.Snapshot(ctx).State, ShouldEqual, types.StateCapturing)
				_, err := svc.Stop(ctx)
				So(err, ShouldBeNil)
			})
		})
	})
}

func TestService_Overflow(t *testing.T) {
	Convey("Given a queue of capacity 5", t, func() {
		ctx := context.Background()
		up := &fakeUploader{}
		svc := app.New(kv.NewMemoryStore(), nil, up,
			app.WithQueueCapacity(5),
			app.WithClock(stepClock()),
		)
		So(svc.Start(ctx, "0xabc"), ShouldBeNil)

		Convey("When 8 readings are accepted", func() {
			for range 8 {
				svc.OnAcceleration(walking)
			}
			snap := svc.Snapshot(ctx)
			So(snap.Queued, ShouldEqual, 5)
			So(snap.QueueCapacity, ShouldEqual, 5)
			So(snap.Spooled, ShouldEqual, 3)

			report, err := svc.Stop(ctx)

			Convey("Then the final flush delivers all of them in order", func() {
				So(err, ShouldBeNil)
				So(report.Uploaded, ShouldEqual, 8)
				sent := up.uploaded()
				So(sent, ShouldHaveLength, 8)
				So(slices.IsSortedFunc(sent, func(a, b model.QueueEntry) int {
					return a.EnqueuedAt.Compare(b.EnqueuedAt)
				}), ShouldBeTrue)

				snap := svc.Snapshot(ctx)
				So(snap.Queued, ShouldEqual, 0)
				So(snap.Spooled, ShouldEqual, 0)
			})
		})
	})
}

func TestService_FailedUploads(t *testing.T) {
	Convey("Given a collector that is down", t, func() {
		ctx := context.Background()
		up := &fakeUploader{fail: true}
		svc := app.New(kv.NewMemoryStore(), nil, up,
			app.WithMaxAttempts(2),
			app.WithClock(stepClock()),
		)
		So(svc.Start(ctx, "0xabc"), ShouldBeNil)
		for range 3 {
			svc.OnAcceleration(walking)
		}

		Convey("When the session stops", func() {
			report, err := svc.Stop(ctx)

			Convey("Then entries move to the spool and accrual still counts them", func() {
				So(err, ShouldBeNil)
				So(report.Result, ShouldEqual, worker.ResultFailed)
				So(report.Requeued, ShouldEqual, 3)

				snap := svc.Snapshot(ctx)
				So(snap.Queued, ShouldEqual, 0)
				So(snap.Spooled, ShouldEqual, 3)
				So(snap.VectorsCaptured, ShouldEqual, 3)
				So(snap.LastFlush, ShouldEqual, "failed")
			})

			Convey("Then a manual flush exhausts their attempts", func() {
				report, err := svc.Flush(ctx)
				So(err, ShouldBeNil)
				So(report.DeadLettered, ShouldEqual, 3)
				So(svc.DeadLetters(), ShouldHaveLength, 3)

				snap := svc.Snapshot(ctx)
				So(snap.Queued, ShouldEqual, 0)
				So(snap.Spooled, ShouldEqual, 0)
				So(snap.DeadLettered, ShouldEqual, 3)
			})

			Convey("Then discard drops them", func() {
				n, err := svc.Discard(ctx)
				So(err, ShouldBeNil)
				So(n, ShouldEqual, 3)
				So(svc.Snapshot(ctx).Spooled, ShouldEqual, 0)
			})
		})
	})
}

func TestService_StopWhileCollectorDown(t *testing.T) {
	Convey("Given a session whose collector is down", t, func() {
		ctx := context.Background()
		store := kv.NewMemoryStore()
		svc := app.New(store, nil, &fakeUploader{fail: true},
			app.WithMaxAttempts(2),
			app.WithClock(stepClock()),
		)
		So(svc.Start(ctx, "0xabc"), ShouldBeNil)
		for range 12 {
			svc.OnAcceleration(walking)
		}

		Convey("When it stops and the process restarts over the same store", func() {
			_, err := svc.Stop(ctx)
			So(err, ShouldBeNil)

			up := &fakeUploader{}
			next := app.New(store, nil, up, app.WithMaxAttempts(2), app.WithClock(stepClock()))
			So(next.Restore(ctx), ShouldBeNil)

			Convey("Then nothing captured is lost", func() {
				snap := next.Snapshot(ctx)
				So(snap.Spooled, ShouldEqual, 12)
				So(snap.VectorsCaptured, ShouldEqual, 12)

				report, err := next.Flush(ctx)
				So(err, ShouldBeNil)
				So(report.Uploaded, ShouldEqual, 12)
				So(up.uploaded(), ShouldHaveLength, 12)
				for _, e := range up.uploaded() {
					So(e.Attempts, ShouldEqual, uint(1))
				}
				So(next.Snapshot(ctx).Spooled, ShouldEqual, 0)
			})
		})

		Convey("When the stop context is already cancelled", func() {
			cctx, cancel := context.WithCancel(ctx)
			cancel()
			_, _ = svc.Stop(cctx)

			Convey("Then the entries are still spooled", func() {
				So(svc.Capturing(), ShouldBeFalse)
				next := app.New(store, nil, &fakeUploader{})
				So(next.Restore(ctx), ShouldBeNil)
				So(next.Snapshot(ctx).Spooled, ShouldEqual, 12)
			})
		})
	})
}

func TestService_DeadLettersSurviveRestart(t *testing.T) {
	Convey("Given entries dead-lettered in one run", t, func() {
		ctx := context.Background()
		store := kv.NewMemoryStore()
		svc := app.New(store, nil, &fakeUploader{fail: true},
			app.WithMaxAttempts(1),
			app.WithClock(stepClock()),
		)
		So(svc.Start(ctx, "0xabc"), ShouldBeNil)
		for range 4 {
			svc.OnAcceleration(walking)
		}
		report, err := svc.Stop(ctx)
		So(err, ShouldBeNil)
		So(report.DeadLettered, ShouldEqual, 4)

		Convey("When a new service restores from the same store", func() {
			next := app.New(store, nil, &fakeUploader{})
			So(next.Restore(ctx), ShouldBeNil)

			Convey("Then the dead letters are still reported", func() {
				So(next.DeadLetters(), ShouldHaveLength, 4)
				So(next.Snapshot(ctx).DeadLettered, ShouldEqual, 4)
				So(next.Snapshot(ctx).Spooled, ShouldEqual, 0)
			})

			Convey("Then restoring twice does not duplicate them", func() {
				So(next.Restore(ctx), ShouldBeNil)
				So(next.DeadLetters(), ShouldHaveLength, 4)
			})
		})
	})
}

func TestService_Restore(t *testing.T) {
	Convey("Given a store with a checkpoint and an operator", t, func() {
		ctx := context.Background()
		store := kv.NewMemoryStore()
		So(store.Set(ctx, kv.KeyAccrual, `{"vectors_captured":40,"reward_earned":0.004}`), ShouldBeNil)
		So(store.Set(ctx, kv.KeyWallet, "0xfeed"), ShouldBeNil)

		Convey("When a new service restores", func() {
			svc := app.New(store, nil, &fakeUploader{})
			So(svc.Restore(ctx), ShouldBeNil)

			Convey("Then accrual and identity carry over", func() {
				snap := svc.Snapshot(ctx)
				So(snap.VectorsCaptured, ShouldEqual, 40)
				So(snap.RewardEarned, ShouldAlmostEqual, 0.004, 1e-12)
				So(svc.Operator(), ShouldEqual, "0xfeed")
			})
		})
	})

	Convey("Given a malformed checkpoint", t, func() {
		ctx := context.Background()
		store := kv.NewMemoryStore()
		So(store.Set(ctx, kv.KeyAccrual, `{not json`), ShouldBeNil)

		svc := app.New(store, nil, &fakeUploader{})

		Convey("Then restore starts from zero", func() {
			So(svc.Restore(ctx), ShouldBeNil)
			So(svc.Snapshot(ctx).VectorsCaptured, ShouldEqual, 0)
			So(svc.Operator(), ShouldBeEmpty)
		})
	})
}
