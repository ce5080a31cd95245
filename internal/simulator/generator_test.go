package simulator_test

import (
	"bytes"
	"image/png"
	"math"
	"testing"

	. "github.com/smartystreets/goconvey/convey"

	"github.com/eyesense/gazemap/internal/simulator"
)

func TestRespondent(t *testing.T) {
	Convey("Given a seeded respondent", t, func() {
		r := simulator.NewRespondent(7, 400, 300, 3, 0.2)

		Convey("Fixations lie inside the inner 80% of the screen", func() {
			fx := r.Fixations()
			So(len(fx), ShouldEqual, 3)
			for _, p := range fx {
				So(p.X, ShouldBeBetweenOrEqual, 40, 360)
				So(p.Y, ShouldBeBetweenOrEqual, 30, 270)
			}
		})

		Convey("Batches mix detections and misses with rising timestamps", func() {
			batch := r.Batch(200)
			So(len(batch), ShouldEqual, 200)

			misses := 0
			last := int64(math.MinInt64)
			for _, s := range batch {
				if s == nil {
					misses++
					continue
				}
				So(s.T, ShouldBeGreaterThan, last)
				last = s.T
			}
			So(misses, ShouldBeGreaterThan, 0)
			So(misses, ShouldBeLessThan, 200)
		})

		Convey("The same seed replays the same gaze", func() {
			a := simulator.NewRespondent(42, 400, 300, 2, 0).Batch(20)
			b := simulator.NewRespondent(42, 400, 300, 2, 0).Batch(20)
			for i := range a {
				So(*a[i], ShouldResemble, *b[i])
			}
		})
	})
}

func TestStimulusPNG(t *testing.T) {
	Convey("StimulusPNG encodes a PNG of the requested size", t, func() {
		data, err := simulator.StimulusPNG(120, 80)
		So(err, ShouldBeNil)
		cfg, err := png.DecodeConfig(bytes.NewReader(data))
		So(err, ShouldBeNil)
		So(cfg.Width, ShouldEqual, 120)
		So(cfg.Height, ShouldEqual, 80)
	})

	Convey("Batch IDs are unique", t, func() {
		So(simulator.BatchID(), ShouldNotEqual, simulator.BatchID())
	})
}
