package uploader_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	. "github.com/smartystreets/goconvey/convey"

	"github.com/hixprotocol/hix/internal/adapters/uploader"
	"github.com/hixprotocol/hix/internal/domain/model"
	"github.com/hixprotocol/hix/pkg/logger"
)

func TestMain(m *testing.M) {
	if err := logger.Init(logger.WithWriter(io.Discard)); err != nil {
		panic(err)
	}
	os.Exit(m.Run())
}

type capture struct {
	mu       sync.Mutex
	requests int
	headers  http.Header
	path     string
	bodies   [][]byte
}

func collector(status func(n int) int) (*httptest.Server, *capture) {
	c := &capture{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		c.mu.Lock()
		c.requests++
		n := c.requests
		c.headers = r.Header.Clone()
		c.path = r.URL.Path
		c.bodies = append(c.bodies, body)
		c.mu.Unlock()
		w.WriteHeader(status(n))
	}))
	return srv, c
}

func batch(n int) []model.QueueEntry {
	out := make([]model.QueueEntry, n)
	for i := range out {
		out[i] = model.QueueEntry{
			ID:        string(rune('a' + i)),
			SessionID: "sess-1",
			Operator:  "0xoperator",
			Tier:      3,
			Sample: model.MotionSample{
				Acceleration: model.Vec3{X: 1, Y: 2, Z: 3},
				Rotation:     model.Vec3{X: 0.1, Y: 0.2, Z: 0.3},
				Magnitude:    3.7416573867739413,
				CapturedAt:   time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC),
			},
		}
	}
	return out
}

func TestHTTPClient_Batch(t *testing.T) {
	Convey("Given a collector that accepts everything", t, func() {
		srv, got := collector(func(int) int { return http.StatusCreated })
		Reset(srv.Close)
		c := uploader.NewHTTPClient(uploader.WithEndpoint(srv.URL+"/"), uploader.WithAPIKey("secret"))

		Convey("When a batch of three is uploaded", func() {
			err := c.Upload(context.Background(), batch(3))

			Convey("Then one request carries all records with the collector headers", func() {
				So(err, ShouldBeNil)
				So(got.requests, ShouldEqual, 1)
				So(got.path, ShouldEqual, "/rest/v1/motion_data")
				So(got.headers.Get("apikey"), ShouldEqual, "secret")
				So(got.headers.Get("Authorization"), ShouldEqual, "Bearer secret")
				So(got.headers.Get("Prefer"), ShouldEqual, "return=minimal")

				var records []map[string]any
				So(json.Unmarshal(got.bodies[0], &records), ShouldBeNil)
				So(records, ShouldHaveLength, 3)
				So(records[0]["wallet_address"], ShouldEqual, "0xoperator")
				So(records[0]["is_suspicious"], ShouldEqual, false)
				So(records[0]["device_tier"], ShouldEqual, float64(3))
				So(records[0]["acceleration"], ShouldResemble, []any{float64(1), float64(2), float64(3)})
				So(records[0]["session_id"], ShouldEqual, "sess-1")
			})
		})

		Convey("When the batch is empty", func() {
			So(c.Upload(context.Background(), nil), ShouldBeNil)

			Convey("Then no request is made", func() {
				So(got.requests, ShouldEqual, 0)
			})
		})
	})

	Convey("Given a collector that answers 500", t, func() {
		srv, _ := collector(func(int) int { return http.StatusInternalServerError })
		Reset(srv.Close)
		c := uploader.NewHTTPClient(uploader.WithEndpoint(srv.URL))

		Convey("Then the upload is rejected", func() {
			err := c.Upload(context.Background(), batch(1))
			So(errors.Is(err, uploader.ErrRejected), ShouldBeTrue)
		})
	})

	Convey("Given a collector slower than the timeout", t, func() {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			select {
			case <-r.Context().Done():
			case <-time.After(2 * time.Second):
			}
		}))
		Reset(srv.Close)
		c := uploader.NewHTTPClient(uploader.WithEndpoint(srv.URL), uploader.WithTimeout(50*time.Millisecond))

		Convey("Then the upload fails", func() {
			So(c.Upload(context.Background(), batch(1)), ShouldNotBeNil)
		})
	})

	Convey("Given no endpoint", t, func() {
		c := uploader.NewHTTPClient()
		So(c.Upload(context.Background(), batch(1)), ShouldEqual, uploader.ErrNotConfigured)
	})

	Convey("Given an entry without an operator", t, func() {
		srv, got := collector(func(int) int { return http.StatusCreated })
		Reset(srv.Close)
		c := uploader.NewHTTPClient(uploader.WithEndpoint(srv.URL))
		b := batch(2)
		b[1].Operator = ""

		Convey("Then nothing is sent", func() {
			So(errors.Is(c.Upload(context.Background(), b), uploader.ErrMissingOperator), ShouldBeTrue)
			So(got.requests, ShouldEqual, 0)
		})
	})
}

func TestHTTPClient_Single(t *testing.T) {
	Convey("Given per-record mode", t, func() {
		Convey("When every record is accepted", func() {
			srv, got := collector(func(int) int { return http.StatusNoContent })
			defer srv.Close()
			c := uploader.NewHTTPClient(uploader.WithEndpoint(srv.URL), uploader.WithMode(uploader.ModeSingle))

			So(c.Upload(context.Background(), batch(3)), ShouldBeNil)

			Convey("Then one request is made per record", func() {
				So(got.requests, ShouldEqual, 3)
				var rec map[string]any
				So(json.Unmarshal(got.bodies[2], &rec), ShouldBeNil)
				So(rec["wallet_address"], ShouldEqual, "0xoperator")
			})
		})

		Convey("When the second record fails", func() {
			var calls atomic.Int32
			srv, _ := collector(func(n int) int {
				calls.Add(1)
				if n == 2 {
					return http.StatusBadRequest
				}
				return http.StatusCreated
			})
			defer srv.Close()
			c := uploader.NewHTTPClient(uploader.WithEndpoint(srv.URL), uploader.WithMode(uploader.ModeSingle))

			err := c.Upload(context.Background(), batch(3))

			Convey("Then the whole batch fails and the rest is not sent", func() {
				So(errors.Is(err, uploader.ErrRejected), ShouldBeTrue)
				So(calls.Load(), ShouldEqual, 2)
			})
		})
	})
}
