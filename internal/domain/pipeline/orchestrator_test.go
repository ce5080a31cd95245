package pipeline_test

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"sync"
	"testing"
	"time"

	"github.com/disintegration/imaging"
	. "github.com/smartystreets/goconvey/convey"

	"github.com/eyesense/gazemap/internal/adapters/estimator"
	"github.com/eyesense/gazemap/internal/domain/gaze"
	"github.com/eyesense/gazemap/internal/domain/heatmap"
	"github.com/eyesense/gazemap/internal/domain/model"
	"github.com/eyesense/gazemap/internal/domain/pipeline"
	"github.com/eyesense/gazemap/pkg/clock"
)

var epoch = time.Date(2025, 5, 1, 9, 0, 0, 0, time.UTC)

const window = 10 * time.Second

func stimulusPNG(t *testing.T, w, h int) []byte {
	t.Helper()
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, imaging.New(w, h, color.White), imaging.PNG); err != nil {
		t.Fatalf("encode: %v", err)
	}
	return buf.Bytes()
}

func awaitDone(t *testing.T, o *pipeline.Orchestrator) {
	t.Helper()
	select {
	case <-o.Done():
	case <-time.After(5 * time.Second):
		t.Fatalf("pipeline stuck in %s", o.State())
	}
}

func isDone(o *pipeline.Orchestrator) bool {
	select {
	case <-o.Done():
		return true
	default:
		return false
	}
}

// leakyClock hands out timers that cannot be stopped, so stale callbacks
// still reach the orchestrator.
type leakyClock struct{ *clock.Manual }

type leakyTimer struct{}

func (leakyTimer) Stop() bool { return false }

func (c leakyClock) AfterFunc(d time.Duration, f func()) clock.Timer {
	c.Manual.AfterFunc(d, f)
	return leakyTimer{}
}

type recorder struct {
	mu          sync.Mutex
	transitions []model.Transition
	endedAt     map[model.PipelineState]bool
	est         *estimator.Remote
}

func (r *recorder) listen(t model.Transition) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.transitions = append(r.transitions, t)
	r.endedAt[t.To] = r.est.Ended()
}

func (r *recorder) states() []model.PipelineState {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]model.PipelineState, len(r.transitions))
	for i, t := range r.transitions {
		out[i] = t.To
	}
	return out
}

func calibrate(o *pipeline.Orchestrator) {
	for id := 0; id < 9; id++ {
		_, err := o.RegisterTargetClick(id)
		So(err, ShouldBeNil)
	}
}

func TestOrchestratorRoundTrip(t *testing.T) {
	Convey("Given an orchestrator over a 400x300 stimulus", t, func() {
		clk := clock.NewManual(epoch)
		est := estimator.NewRemote()
		rec := &recorder{endedAt: map[model.PipelineState]bool{}, est: est}
		var streamed []model.GazeSample
		var smu sync.Mutex
		o := pipeline.New(est, heatmap.New(),
			pipeline.WithClock(clk),
			pipeline.WithClicksRequired(1),
			pipeline.WithCalibrationDelay(time.Second),
			pipeline.WithStateListener(rec.listen),
			pipeline.WithSampleListener(func(g model.GazeSample) {
				smu.Lock()
				streamed = append(streamed, g)
				smu.Unlock()
			}),
		)
		stim := pipeline.Stimulus{Image: stimulusPNG(t, 400, 300), Width: 400, Height: 300}

		So(o.State(), ShouldEqual, model.StateIdle)
		So(o.Start(context.Background(), stim, window), ShouldBeNil)
		So(o.State(), ShouldEqual, model.StateAwaitingPermission)

		Convey("When the respondent grants, calibrates and looks for the window", func() {
			So(est.Grant(true), ShouldBeNil)
			So(o.HandlePermission(true), ShouldBeNil)
			So(o.State(), ShouldEqual, model.StateCalibrating)
			calibrate(o)
			So(o.State(), ShouldEqual, model.StateCalibrating)

			clk.Advance(time.Second)
			So(o.State(), ShouldEqual, model.StateTracking)

			for i := 0; i < 20; i++ {
				est.Deliver(&gaze.Point{X: float64(20 * i), Y: float64(15 * i)}, 0)
				est.Deliver(nil, 0)
				clk.Advance(400 * time.Millisecond)
			}
			So(o.SampleCount(), ShouldEqual, 20)

			Convey("Then nothing resolves before the window elapses", func() {
				So(isDone(o), ShouldBeFalse)
				So(o.State(), ShouldEqual, model.StateTracking)
			})

			Convey("Then a PNG is produced once it does", func() {
				clk.Advance(2 * time.Second)
				awaitDone(t, o)

				res, err := o.Wait(context.Background())
				So(err, ShouldBeNil)
				So(res.MimeType, ShouldEqual, model.MimePNG)
				So(res.RetainedCount, ShouldEqual, 20)
				cfg, _, err := image.DecodeConfig(bytes.NewReader(res.Data))
				So(err, ShouldBeNil)
				So(cfg.Width, ShouldEqual, 400)
				So(cfg.Height, ShouldEqual, 300)

				So(rec.states(), ShouldResemble, []model.PipelineState{
					model.StateAwaitingPermission, model.StateCalibrating, model.StateTracking,
					model.StateSynthesizing, model.StateDone,
				})
				So(est.Ended(), ShouldBeTrue)
				So(rec.endedAt[model.StateSynthesizing], ShouldBeTrue)
				So(len(streamed), ShouldEqual, 20)
				So(o.History(), ShouldHaveLength, 5)
				So(o.Err(), ShouldBeNil)
			})

			Convey("Then finishing early proceeds to synthesis", func() {
				So(o.FinishTracking(), ShouldBeNil)
				awaitDone(t, o)
				So(o.State(), ShouldEqual, model.StateDone)
				So(o.FinishTracking(), ShouldNotBeNil)
			})

			Convey("Then cancelling during tracking releases the camera first", func() {
				So(o.Cancel(), ShouldBeNil)
				So(isDone(o), ShouldBeTrue)
				So(rec.endedAt[model.StateFailed], ShouldBeTrue)

				_, err := o.Wait(context.Background())
				So(model.ReasonOf(err), ShouldEqual, model.ReasonUserCancelled)
				So(errors.Is(err, model.ErrUserCancelled), ShouldBeTrue)

				clk.Advance(time.Minute)
				So(o.State(), ShouldEqual, model.StateFailed)
				So(est.Deliver(&gaze.Point{X: 1, Y: 1}, 0), ShouldBeFalse)
			})
		})

		Convey("When permission is denied", func() {
			So(est.Grant(false), ShouldBeNil)
			So(o.HandlePermission(false), ShouldBeNil)

			Convey("Then the session fails with DeviceUnavailable", func() {
				So(o.State(), ShouldEqual, model.StateFailed)
				So(model.ReasonOf(o.Err()), ShouldEqual, model.ReasonDeviceUnavailable)
				So(est.Ended(), ShouldBeTrue)
			})
		})

		Convey("When permission never arrives", func() {
			clk.Advance(pipeline.DefaultPermissionTimeout)

			Convey("Then the session times out as DeviceUnavailable", func() {
				So(o.State(), ShouldEqual, model.StateFailed)
				So(errors.Is(o.Err(), model.ErrPermissionTimedOut), ShouldBeTrue)
				So(model.ReasonOf(o.Err()), ShouldEqual, model.ReasonDeviceUnavailable)
			})
		})

		Convey("When the camera is lost mid-calibration", func() {
			So(est.Grant(true), ShouldBeNil)
			So(o.HandlePermission(true), ShouldBeNil)
			_, err := o.RegisterTargetClick(0)
			So(err, ShouldBeNil)
			So(est.Grant(false), ShouldBeNil)
			_, err = o.RegisterTargetClick(1)

			Convey("Then the click is rejected and the session fails", func() {
				So(errors.Is(err, model.ErrDeviceUnavailable), ShouldBeTrue)
				So(o.State(), ShouldEqual, model.StateFailed)
				So(model.ReasonOf(o.Err()), ShouldEqual, model.ReasonDeviceUnavailable)
			})
		})

		Convey("When out-of-phase events arrive", func() {
			So(errors.Is(o.Start(context.Background(), stim, window), model.ErrInvalidTransition), ShouldBeTrue)
			_, err := o.RegisterTargetClick(0)
			So(errors.Is(err, model.ErrInvalidTransition), ShouldBeTrue)
			So(errors.Is(o.FinishTracking(), model.ErrInvalidTransition), ShouldBeTrue)
			_, err = o.Result()
			So(errors.Is(err, model.ErrInvalidTransition), ShouldBeTrue)

			So(o.Cancel(), ShouldBeNil)
			So(errors.Is(o.Cancel(), model.ErrInvalidTransition), ShouldBeTrue)
			So(errors.Is(o.HandlePermission(true), model.ErrInvalidTransition), ShouldBeTrue)
		})
	})
}

func TestOrchestratorStartValidation(t *testing.T) {
	Convey("Given an idle orchestrator", t, func() {
		est := estimator.NewRemote()
		o := pipeline.New(est, heatmap.New(), pipeline.WithClock(clock.NewManual(epoch)))

		Convey("Then cancel from Idle is rejected", func() {
			So(errors.Is(o.Cancel(), model.ErrInvalidTransition), ShouldBeTrue)
			So(errors.Is(o.Fail(errors.New("x")), model.ErrInvalidTransition), ShouldBeTrue)
		})

		Convey("Then bad durations and dimensions are rejected without leaving Idle", func() {
			So(o.Start(context.Background(), pipeline.Stimulus{}, 0), ShouldNotBeNil)
			So(errors.Is(o.Start(context.Background(), pipeline.Stimulus{Width: -1}, window), model.ErrInvalidDimensions), ShouldBeTrue)
			So(o.State(), ShouldEqual, model.StateIdle)
		})

		Convey("Then an estimator that cannot begin fails the session", func() {
			_ = est.End(context.Background())
			err := o.Start(context.Background(), pipeline.Stimulus{Width: 10, Height: 10}, window)
			So(errors.Is(err, model.ErrDeviceUnavailable), ShouldBeTrue)
			So(o.State(), ShouldEqual, model.StateFailed)
			So(isDone(o), ShouldBeTrue)
		})
	})
}

func TestOrchestratorFailures(t *testing.T) {
	Convey("Given a session whose stimulus cannot be decoded", t, func() {
		clk := clock.NewManual(epoch)
		est := estimator.NewRemote()
		o := pipeline.New(est, heatmap.New(),
			pipeline.WithClock(clk), pipeline.WithClicksRequired(1), pipeline.WithCalibrationDelay(0))
		So(o.Start(context.Background(), pipeline.Stimulus{Image: []byte("garbage"), Width: 40, Height: 30}, window), ShouldBeNil)
		So(est.Grant(true), ShouldBeNil)
		So(o.HandlePermission(true), ShouldBeNil)
		calibrate(o)
		So(o.State(), ShouldEqual, model.StateTracking)

		Convey("When the window elapses", func() {
			clk.Advance(window)
			awaitDone(t, o)

			Convey("Then the session fails with ImageDecodeError", func() {
				_, err := o.Result()
				So(model.ReasonOf(err), ShouldEqual, model.ReasonImageDecode)
				So(errors.Is(err, model.ErrImageDecode), ShouldBeTrue)
				So(est.Ended(), ShouldBeTrue)
			})
		})
	})

	Convey("Given a session with zero usable gaze", t, func() {
		clk := clock.NewManual(epoch)
		est := estimator.NewRemote()
		o := pipeline.New(est, heatmap.New(),
			pipeline.WithClock(clk), pipeline.WithClicksRequired(1), pipeline.WithCalibrationDelay(0))
		So(o.Start(context.Background(), pipeline.Stimulus{Width: 40, Height: 30}, window), ShouldBeNil)
		So(est.Grant(true), ShouldBeNil)
		So(o.HandlePermission(true), ShouldBeNil)
		calibrate(o)
		est.Deliver(&gaze.Point{X: 500, Y: 500}, 0)
		clk.Advance(window)
		awaitDone(t, o)

		Convey("Then it still completes with a degenerate heatmap", func() {
			res, err := o.Result()
			So(err, ShouldBeNil)
			So(res.Degenerate(), ShouldBeTrue)
			So(res.SampleCount, ShouldEqual, 1)
		})
	})
}

func TestOrchestratorStaleTimers(t *testing.T) {
	Convey("Given timers that fire even after being stopped", t, func() {
		clk := leakyClock{clock.NewManual(epoch)}
		est := estimator.NewRemote()
		o := pipeline.New(est, heatmap.New(),
			pipeline.WithClock(clk), pipeline.WithClicksRequired(1), pipeline.WithCalibrationDelay(time.Second))
		So(o.Start(context.Background(), pipeline.Stimulus{Width: 40, Height: 30}, window), ShouldBeNil)

		Convey("When permission is granted before the timeout fires", func() {
			So(est.Grant(true), ShouldBeNil)
			So(o.HandlePermission(true), ShouldBeNil)
			clk.Advance(pipeline.DefaultPermissionTimeout)

			Convey("Then the stale permission timeout is ignored", func() {
				So(o.State(), ShouldEqual, model.StateCalibrating)
			})
		})

		Convey("When cancelled while the calibration delay is pending", func() {
			So(est.Grant(true), ShouldBeNil)
			So(o.HandlePermission(true), ShouldBeNil)
			calibrate(o)
			So(o.Cancel(), ShouldBeNil)
			history := len(o.History())
			clk.Advance(time.Minute)

			Convey("Then the late delay callback does not start tracking", func() {
				So(o.State(), ShouldEqual, model.StateFailed)
				So(o.History(), ShouldHaveLength, history)
				So(model.ReasonOf(o.Err()), ShouldEqual, model.ReasonUserCancelled)
			})
		})

		Convey("When cancelled during tracking and the window timer still fires", func() {
			So(est.Grant(true), ShouldBeNil)
			So(o.HandlePermission(true), ShouldBeNil)
			calibrate(o)
			clk.Advance(time.Second)
			So(o.State(), ShouldEqual, model.StateTracking)
			So(o.Cancel(), ShouldBeNil)
			clk.Advance(window)

			Convey("Then no synthesis starts", func() {
				So(o.State(), ShouldEqual, model.StateFailed)
				So(model.ReasonOf(o.Err()), ShouldEqual, model.ReasonUserCancelled)
			})
		})
	})
}

func TestRunGazeCapture(t *testing.T) {
	Convey("Given a respondent driving the session through the handle", t, func() {
		clk := clock.NewManual(epoch)
		est := estimator.NewRemote()
		handle := make(chan *pipeline.Orchestrator, 1)
		stim := pipeline.Stimulus{Image: stimulusPNG(t, 400, 300), Width: 400, Height: 300}

		type outcome struct {
			res model.HeatmapResult
			err error
		}
		out := make(chan outcome, 1)
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		go func() {
			res, err := pipeline.RunGazeCapture(ctx, est, heatmap.New(), stim, window,
				pipeline.WithClock(clk),
				pipeline.WithClicksRequired(1),
				pipeline.WithCalibrationDelay(0),
				pipeline.WithHandle(func(o *pipeline.Orchestrator) { handle <- o }),
			)
			out <- outcome{res, err}
		}()
		o := <-handle
		for o.State() != model.StateAwaitingPermission {
			time.Sleep(time.Millisecond)
		}
		So(est.Grant(true), ShouldBeNil)
		So(o.HandlePermission(true), ShouldBeNil)
		calibrate(o)

		Convey("When the window completes", func() {
			for i := 0; i < 20; i++ {
				est.Deliver(&gaze.Point{X: float64(10 + 19*i), Y: float64(10 + 14*i)}, 0)
			}
			clk.Advance(window)

			Convey("Then the heatmap is returned", func() {
				select {
				case r := <-out:
					So(r.err, ShouldBeNil)
					So(len(r.res.Data), ShouldBeGreaterThan, 0)
					So(r.res.RetainedCount, ShouldEqual, 20)
				case <-time.After(5 * time.Second):
					t.Fatal("RunGazeCapture did not return")
				}
			})
		})

		Convey("When the caller's context ends mid-tracking", func() {
			cancel()

			Convey("Then the session is cancelled and the camera released", func() {
				select {
				case r := <-out:
					So(model.ReasonOf(r.err), ShouldEqual, model.ReasonUserCancelled)
					So(est.Ended(), ShouldBeTrue)
				case <-time.After(5 * time.Second):
					t.Fatal("RunGazeCapture did not return")
				}
			})
		})
	})
}
