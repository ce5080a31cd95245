package tracking_test

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	. "github.com/smartystreets/goconvey/convey"

	"github.com/eyesense/gazemap/internal/adapters/estimator"
	"github.com/eyesense/gazemap/internal/domain/gaze"
	"github.com/eyesense/gazemap/internal/domain/model"
	"github.com/eyesense/gazemap/internal/domain/tracking"
	"github.com/eyesense/gazemap/pkg/clock"
)

var epoch = time.Date(2025, 5, 1, 9, 0, 0, 0, time.UTC)

// racyClock hands out timers whose Stop never wins, as when the timer
// goroutine has already been scheduled.
type racyClock struct {
	mu  sync.Mutex
	fns []func()
}

type lostTimer struct{}

func (lostTimer) Stop() bool { return false }

func (c *racyClock) Now() time.Time { return epoch }

func (c *racyClock) AfterFunc(_ time.Duration, f func()) clock.Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.fns = append(c.fns, f)
	return lostTimer{}
}

func (c *racyClock) fireAll() {
	c.mu.Lock()
	fns := c.fns
	c.fns = nil
	c.mu.Unlock()
	for _, f := range fns {
		f()
	}
}

func TestSessionWindow(t *testing.T) {
	Convey("Given a tracking session on a manual clock", t, func() {
		clk := clock.NewManual(epoch)
		est := estimator.NewRemote()
		var captures []model.Capture
		s := tracking.New(est, clk,
			tracking.WithStimulusSize(400, 300),
			tracking.WithOnComplete(func(c model.Capture) { captures = append(captures, c) }),
		)

		Convey("When started for 10s", func() {
			var seen []model.GazeSample
			So(s.Start(10*time.Second, func(g model.GazeSample) { seen = append(seen, g) }), ShouldBeNil)
			So(s.Active(), ShouldBeTrue)

			clk.Advance(250 * time.Millisecond)
			est.Deliver(&gaze.Point{X: 10, Y: 20}, 0)
			est.Deliver(nil, 0)
			clk.Advance(250 * time.Millisecond)
			est.Deliver(&gaze.Point{X: 30, Y: 40}, 0)

			Convey("Then only detections are recorded, with window-relative timestamps", func() {
				samples := s.Samples()
				So(samples, ShouldResemble, []model.GazeSample{
					{X: 10, Y: 20, TimestampMs: 250},
					{X: 30, Y: 40, TimestampMs: 500},
				})
				So(seen, ShouldResemble, samples)
			})

			Convey("Then a second Start fails fast", func() {
				So(errors.Is(s.Start(time.Second, nil), model.ErrAlreadyTracking), ShouldBeTrue)
			})

			Convey("Then nothing completes before the deadline", func() {
				clk.Advance(9499 * time.Millisecond)
				So(captures, ShouldBeEmpty)
				So(s.Active(), ShouldBeTrue)
			})

			Convey("When the window elapses", func() {
				clk.Advance(9500 * time.Millisecond)

				Convey("Then the capture is emitted once with the stimulus size", func() {
					So(captures, ShouldHaveLength, 1)
					So(captures[0].Samples, ShouldHaveLength, 2)
					So(captures[0].Width, ShouldEqual, 400)
					So(captures[0].Height, ShouldEqual, 300)
					So(captures[0].Duration, ShouldEqual, 10*time.Second)
					So(captures[0].StartedAt, ShouldEqual, epoch)
					So(s.Active(), ShouldBeFalse)
				})

				Convey("Then late samples are no-ops", func() {
					So(est.Deliver(&gaze.Point{X: 1, Y: 1}, 0), ShouldBeFalse)
					So(s.SampleCount(), ShouldEqual, 2)
					So(captures[0].Samples, ShouldHaveLength, 2)
				})

				Convey("Then Stop is idempotent", func() {
					s.Stop()
					s.Stop()
					So(captures, ShouldHaveLength, 1)
				})

				Convey("Then the session cannot be restarted", func() {
					So(errors.Is(s.Start(time.Second, nil), model.ErrSessionClosed), ShouldBeTrue)
				})
			})

			Convey("When stopped early", func() {
				s.Stop()
				s.Stop()
				clk.Advance(time.Minute)

				Convey("Then completion still fires exactly once", func() {
					So(captures, ShouldHaveLength, 1)
					So(clk.Pending(), ShouldEqual, 0)
				})
			})

			Convey("When cancelled", func() {
				s.Cancel()
				clk.Advance(time.Minute)

				Convey("Then nothing is emitted and the timer is gone", func() {
					So(captures, ShouldBeEmpty)
					So(clk.Pending(), ShouldEqual, 0)
					So(s.Active(), ShouldBeFalse)
					So(est.Deliver(&gaze.Point{}, 0), ShouldBeFalse)
				})
			})
		})

		Convey("When started with a non-positive duration", func() {
			err := s.Start(0, nil)
			So(errors.Is(err, tracking.ErrInvalidDuration), ShouldBeTrue)
			So(s.Active(), ShouldBeFalse)
		})
	})
}

func TestSessionTimerRace(t *testing.T) {
	Convey("Given a session whose timer cannot be stopped", t, func() {
		clk := &racyClock{}
		est := estimator.NewRemote()
		completions := 0
		s := tracking.New(est, clk, tracking.WithOnComplete(func(model.Capture) { completions++ }))
		So(s.Start(time.Second, nil), ShouldBeNil)

		Convey("When Stop wins and the stale timer fires afterwards", func() {
			s.Stop()
			clk.fireAll()

			Convey("Then the timer is a no-op", func() {
				So(completions, ShouldEqual, 1)
			})
		})

		Convey("When Cancel wins and the stale timer fires afterwards", func() {
			s.Cancel()
			clk.fireAll()

			Convey("Then nothing is emitted", func() {
				So(completions, ShouldEqual, 0)
			})
		})
	})

	Convey("Given a listener captured before the session stopped", t, func() {
		clk := clock.NewManual(epoch)
		var held gaze.Listener
		spy := &spyEstimator{Remote: estimator.NewRemote(), onSet: func(l gaze.Listener) { held = l }}
		completions := 0
		s := tracking.New(spy, clk, tracking.WithOnComplete(func(model.Capture) { completions++ }))
		So(s.Start(time.Second, nil), ShouldBeNil)
		So(held, ShouldNotBeNil)

		held(&gaze.Point{X: 1, Y: 1}, 0)
		clk.Advance(time.Second)

		Convey("When the in-flight callback lands after stop", func() {
			held(&gaze.Point{X: 2, Y: 2}, 0)

			Convey("Then it is dropped by the active flag", func() {
				So(s.SampleCount(), ShouldEqual, 1)
				So(s.Dropped(), ShouldEqual, 1)
				So(completions, ShouldEqual, 1)
			})
		})
	})
}

func TestSessionConcurrentDelivery(t *testing.T) {
	Convey("Given samples racing the real-clock timer", t, func() {
		est := estimator.NewRemote()
		done := make(chan model.Capture, 1)
		s := tracking.New(est, clock.Real(), tracking.WithOnComplete(func(c model.Capture) { done <- c }))
		So(s.Start(20*time.Millisecond, nil), ShouldBeNil)

		var accepted atomic.Int64
		var wg sync.WaitGroup
		for g := 0; g < 4; g++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for i := 0; i < 200; i++ {
					if est.Deliver(&gaze.Point{X: float64(i), Y: 1}, 0) {
						accepted.Add(1)
					}
					time.Sleep(100 * time.Microsecond)
				}
			}()
		}
		wg.Wait()

		var capture model.Capture
		select {
		case capture = <-done:
		case <-time.After(2 * time.Second):
			t.Fatal("tracking never completed")
		}

		Convey("Then the capture is frozen at completion", func() {
			So(len(capture.Samples), ShouldEqual, s.SampleCount())
			So(int64(len(capture.Samples)+s.Dropped()), ShouldEqual, accepted.Load())
		})
	})
}

type spyEstimator struct {
	*estimator.Remote
	onSet func(gaze.Listener)
}

func (s *spyEstimator) SetGazeListener(l gaze.Listener) {
	s.onSet(l)
	s.Remote.SetGazeListener(l)
}
