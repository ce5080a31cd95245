package service_test

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"image"
	"image/color"
	"path/filepath"
	"testing"
	"time"

	"github.com/disintegration/imaging"
	. "github.com/smartystreets/goconvey/convey"

	"github.com/eyesense/gazemap/internal/adapters/stimulus"
	"github.com/eyesense/gazemap/internal/adapters/storage"
	service "github.com/eyesense/gazemap/internal/app"
	"github.com/eyesense/gazemap/internal/domain/heatmap"
	"github.com/eyesense/gazemap/internal/domain/model"
	"github.com/eyesense/gazemap/pkg/clock"
	"github.com/eyesense/gazemap/pkg/logger"
)

func init() {
	if err := logger.Init(); err != nil {
		panic(err)
	}
}

var epoch = time.Date(2025, 5, 1, 9, 0, 0, 0, time.UTC)

func stimulusPNG(t *testing.T, w, h int) []byte {
	t.Helper()
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, imaging.New(w, h, color.White), imaging.PNG); err != nil {
		t.Fatalf("encode: %v", err)
	}
	return buf.Bytes()
}

func eventually(cond func() bool) bool {
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return cond()
}

type fixture struct {
	svc   *service.Service
	clk   *clock.Manual
	store *storage.SQLStore
}

func newFixture(t *testing.T, opts ...service.Option) fixture {
	t.Helper()
	ctx := context.Background()
	store, err := storage.Open(ctx, storage.DriverSQLite, "file:"+filepath.Join(t.TempDir(), "blobs.db"),
		storage.WithMetricsUpdateInterval(0))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	clk := clock.NewManual(epoch)
	base := []service.Option{
		service.WithClock(clk),
		service.WithWorkerCount(2),
		service.WithClicksRequired(1),
		service.WithCalibrationDelay(0),
	}
	svc := service.New(store, stimulus.NewResolver(store), append(base, opts...)...)
	if err := svc.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(func() {
		_ = svc.Stop(context.Background())
		_ = store.Close()
	})
	return fixture{svc: svc, clk: clk, store: store}
}

func calibrate(f fixture, id string) {
	for target := 0; target < 9; target++ {
		_, err := f.svc.RegisterClick(context.Background(), id, target, nil, nil)
		So(err, ShouldBeNil)
	}
}

func TestServiceSessionLifecycle(t *testing.T) {
	ctx := context.Background()

	Convey("Given a started service with an uploaded stimulus", t, func() {
		f := newFixture(t)
		So(f.svc.PutImage(ctx, "stim.png", "", stimulusPNG(t, 400, 300)), ShouldBeNil)

		v, err := f.svc.CreateSession(ctx, service.CreateRequest{
			StimulusRef: "blob:stim.png", Width: 400, Height: 300, DurationMs: 10000, HeatmapFilename: "out.png",
		})
		So(err, ShouldBeNil)
		So(v.State, ShouldEqual, model.StateAwaitingPermission)
		So(v.HeatmapName, ShouldEqual, "out.png")
		So(v.DurationMs, ShouldEqual, 10000)

		Convey("When the client polls for commands", func() {
			cmds, err := f.svc.Commands(ctx, v.ID)

			Convey("Then the estimator was asked to begin", func() {
				So(err, ShouldBeNil)
				So(cmds, ShouldNotBeEmpty)
				So(string(cmds[0].Kind), ShouldEqual, "begin")
				again, _ := f.svc.Commands(ctx, v.ID)
				So(again, ShouldBeEmpty)
			})
		})

		Convey("When the respondent completes the session", func() {
			v, err = f.svc.HandlePermission(ctx, v.ID, true)
			So(err, ShouldBeNil)
			So(v.State, ShouldEqual, model.StateCalibrating)
			So(v.Targets, ShouldHaveLength, 9)

			calibrate(f, v.ID)
			v, _ = f.svc.Session(ctx, v.ID)
			So(v.State, ShouldEqual, model.StateTracking)

			batch := make([]*model.GazeSample, 0, 21)
			for i := 0; i < 20; i++ {
				batch = append(batch, &model.GazeSample{X: float64(20 * i), Y: float64(15 * i)})
			}
			batch = append(batch, nil)
			ack, err := f.svc.SubmitGaze(ctx, v.ID, "b1", batch)
			So(err, ShouldBeNil)
			So(ack.Accepted, ShouldEqual, 20)
			So(ack.Duplicate, ShouldBeFalse)

			dup, err := f.svc.SubmitGaze(ctx, v.ID, "b1", batch)
			So(err, ShouldBeNil)
			So(dup.Duplicate, ShouldBeTrue)
			So(dup.Accepted, ShouldEqual, 0)

			_, err = f.svc.Heatmap(ctx, v.ID)
			So(errors.Is(err, service.ErrNotReady), ShouldBeTrue)

			f.clk.Advance(10 * time.Second)
			stored := eventually(func() bool {
				cur, _ := f.svc.Session(ctx, v.ID)
				return cur.HeatmapStored
			})

			Convey("Then the heatmap is rendered and stored under the chosen name", func() {
				So(stored, ShouldBeTrue)
				cur, _ := f.svc.Session(ctx, v.ID)
				So(cur.State, ShouldEqual, model.StateDone)
				So(cur.Samples, ShouldEqual, 20)
				So(cur.FinishedAt, ShouldNotBeNil)

				res, err := f.svc.Heatmap(ctx, v.ID)
				So(err, ShouldBeNil)
				So(res.RetainedCount, ShouldEqual, 20)

				blob, err := f.svc.Blob(ctx, storage.KindHeatmap, "out.png")
				So(err, ShouldBeNil)
				So(blob.Data, ShouldResemble, res.Data)
				cfg, _, err := image.DecodeConfig(bytes.NewReader(blob.Data))
				So(err, ShouldBeNil)
				So(cfg.Width, ShouldEqual, 400)
			})
		})

		Convey("When the respondent denies the camera", func() {
			v, err = f.svc.HandlePermission(ctx, v.ID, false)

			Convey("Then the session fails as DeviceUnavailable", func() {
				So(err, ShouldBeNil)
				So(v.State, ShouldEqual, model.StateFailed)
				So(v.Reason, ShouldEqual, model.ReasonDeviceUnavailable)
			})
		})

		Convey("When the session is cancelled mid-calibration", func() {
			_, err = f.svc.HandlePermission(ctx, v.ID, true)
			So(err, ShouldBeNil)
			v, err = f.svc.CancelSession(ctx, v.ID)
			So(err, ShouldBeNil)

			Convey("Then it fails as UserCancelled and stays readable", func() {
				So(v.State, ShouldEqual, model.StateFailed)
				So(v.Reason, ShouldEqual, model.ReasonUserCancelled)

				_, err := f.svc.CancelSession(ctx, v.ID)
				So(errors.Is(err, model.ErrInvalidTransition), ShouldBeTrue)

				_, err = f.svc.Heatmap(ctx, v.ID)
				So(model.ReasonOf(err), ShouldEqual, model.ReasonUserCancelled)

				ack, err := f.svc.SubmitGaze(ctx, v.ID, "late", []*model.GazeSample{{X: 1, Y: 1}})
				So(err, ShouldBeNil)
				So(ack.Accepted, ShouldEqual, 0)
			})
		})

		Convey("When a click arrives after cancelling", func() {
			_, err = f.svc.HandlePermission(ctx, v.ID, true)
			So(err, ShouldBeNil)
			_, err = f.svc.CancelSession(ctx, v.ID)
			So(err, ShouldBeNil)
			_, err = f.svc.RegisterClick(ctx, v.ID, 0, nil, nil)

			Convey("Then clicks are refused", func() {
				So(errors.Is(err, model.ErrInvalidTransition), ShouldBeTrue)
			})
		})
	})
}

func TestServiceValidation(t *testing.T) {
	ctx := context.Background()

	Convey("Given a started service", t, func() {
		f := newFixture(t, service.WithMaxSessions(1))

		Convey("Then requests without a stimulus are rejected", func() {
			_, err := f.svc.CreateSession(ctx, service.CreateRequest{Width: 10, Height: 10})
			So(errors.Is(err, service.ErrMissingStimulus), ShouldBeTrue)
		})

		Convey("Then malformed requests are rejected", func() {
			_, err := f.svc.CreateSession(ctx, service.CreateRequest{StimulusBase64: "!!!"})
			So(errors.Is(err, service.ErrInvalidRequest), ShouldBeTrue)
			So(errors.Is(err, stimulus.ErrMalformed), ShouldBeTrue)

			_, err = f.svc.CreateSession(ctx, service.CreateRequest{StimulusRef: "blob:none.png"})
			So(errors.Is(err, storage.ErrNotFound), ShouldBeTrue)

			_, err = f.svc.CreateSession(ctx, service.CreateRequest{StimulusRef: "blob:a", StimulusBase64: "aGk="})
			So(errors.Is(err, service.ErrInvalidRequest), ShouldBeTrue)

			_, err = f.svc.CreateSession(ctx, service.CreateRequest{StimulusRef: "blob:a", HeatmapFilename: "../x.png"})
			So(errors.Is(err, service.ErrInvalidRequest), ShouldBeTrue)

			_, err = f.svc.CreateSession(ctx, service.CreateRequest{StimulusRef: "blob:a", Width: -1})
			So(errors.Is(err, service.ErrInvalidRequest), ShouldBeTrue)
		})

		Convey("Then oversize stimulus dimensions are rejected at creation", func() {
			huge := 1 << 32
			_, err := f.svc.CreateSession(ctx, service.CreateRequest{StimulusRef: "blob:a", Width: huge, Height: huge})
			So(errors.Is(err, service.ErrInvalidRequest), ShouldBeTrue)

			_, err = f.svc.CreateSession(ctx, service.CreateRequest{StimulusRef: "blob:a", Width: heatmap.DefaultMaxPixels + 1})
			So(errors.Is(err, service.ErrInvalidRequest), ShouldBeTrue)

			_, err = f.svc.CreateSession(ctx, service.CreateRequest{StimulusRef: "blob:a", Width: 8000, Height: 8000})
			So(errors.Is(err, service.ErrInvalidRequest), ShouldBeTrue)
		})

		Convey("Then tracking windows that would overflow are rejected", func() {
			_, err := f.svc.CreateSession(ctx, service.CreateRequest{StimulusRef: "blob:a", DurationMs: 1 << 62})
			So(errors.Is(err, service.ErrInvalidRequest), ShouldBeTrue)

			_, err = f.svc.CreateSession(ctx, service.CreateRequest{StimulusRef: "blob:a", DurationMs: service.MaxDurationMs + 1})
			So(errors.Is(err, service.ErrInvalidRequest), ShouldBeTrue)
		})

		Convey("Then non-image uploads are rejected", func() {
			err := f.svc.PutImage(ctx, "notes.txt", "text/plain", []byte("hello"))
			So(errors.Is(err, service.ErrInvalidRequest), ShouldBeTrue)
			So(errors.Is(f.svc.PutImage(ctx, "a/b.png", "image/png", []byte{1}), service.ErrInvalidRequest), ShouldBeTrue)
		})

		Convey("Then unknown sessions report not found", func() {
			_, err := f.svc.Session(ctx, "nope")
			So(errors.Is(err, service.ErrSessionNotFound), ShouldBeTrue)
			_, err = f.svc.SubmitGaze(ctx, "nope", "b", nil)
			So(errors.Is(err, service.ErrSessionNotFound), ShouldBeTrue)
			_, err = f.svc.Heatmap(ctx, "nope")
			So(errors.Is(err, service.ErrSessionNotFound), ShouldBeTrue)
		})

		Convey("Then the session cap applies", func() {
			b64 := base64.StdEncoding.EncodeToString(stimulusPNG(t, 8, 8))
			_, err := f.svc.CreateSession(ctx, service.CreateRequest{StimulusBase64: b64})
			So(err, ShouldBeNil)
			_, err = f.svc.CreateSession(ctx, service.CreateRequest{StimulusBase64: b64})
			So(errors.Is(err, service.ErrTooManySessions), ShouldBeTrue)

			stats := f.svc.GetStats()
			So(stats["sessions"], ShouldEqual, 1)
			So(stats["started"], ShouldEqual, true)
		})
	})

	Convey("Given a service that was never started", t, func() {
		svc := service.New(nil, stimulus.NewResolver(nil))

		Convey("Then sessions cannot be created", func() {
			_, err := svc.CreateSession(ctx, service.CreateRequest{StimulusBase64: "aGk="})
			So(errors.Is(err, service.ErrServiceNotStarted), ShouldBeTrue)
			So(svc.Stop(ctx), ShouldBeNil)
		})
	})
}

func TestServiceConcurrentSessions(t *testing.T) {
	ctx := context.Background()

	Convey("Given several respondents at once", t, func() {
		f := newFixture(t)
		b64 := base64.StdEncoding.EncodeToString(stimulusPNG(t, 64, 48))

		const n = 8
		ids := make([]string, n)
		errs := make(chan error, n)
		for i := 0; i < n; i++ {
			v, err := f.svc.CreateSession(ctx, service.CreateRequest{StimulusBase64: b64, DurationMs: 2000})
			So(err, ShouldBeNil)
			ids[i] = v.ID
		}
		for _, id := range ids {
			go func(id string) {
				if _, err := f.svc.HandlePermission(ctx, id, true); err != nil {
					errs <- err
					return
				}
				for target := 0; target < 9; target++ {
					if _, err := f.svc.RegisterClick(ctx, id, target, nil, nil); err != nil {
						errs <- err
						return
					}
				}
				_, err := f.svc.SubmitGaze(ctx, id, "b1", []*model.GazeSample{{X: 10, Y: 10}, {X: 20, Y: 20}})
				errs <- err
			}(id)
		}
		for i := 0; i < n; i++ {
			So(<-errs, ShouldBeNil)
		}

		Convey("When their windows close together", func() {
			f.clk.Advance(2 * time.Second)

			Convey("Then every heatmap is stored", func() {
				for _, id := range ids {
					id := id
					So(eventually(func() bool {
						v, _ := f.svc.Session(ctx, id)
						return v.HeatmapStored
					}), ShouldBeTrue)
				}
				count, err := f.store.Count(ctx, storage.KindHeatmap)
				So(err, ShouldBeNil)
				So(count, ShouldEqual, n)
			})
		})
	})

	Convey("Given live sessions when the service stops", t, func() {
		f := newFixture(t)
		b64 := base64.StdEncoding.EncodeToString(stimulusPNG(t, 8, 8))
		v, err := f.svc.CreateSession(ctx, service.CreateRequest{StimulusBase64: b64})
		So(err, ShouldBeNil)
		So(f.svc.Stop(ctx), ShouldBeNil)

		Convey("Then they are failed rather than left waiting", func() {
			cur, err := f.svc.Session(ctx, v.ID)
			So(err, ShouldBeNil)
			So(cur.State, ShouldEqual, model.StateFailed)
			So(cur.Reason, ShouldEqual, model.ReasonUserCancelled)
		})
	})
}
