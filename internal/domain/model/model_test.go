package model_test

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/golang/geo/r2"
	"github.com/smartystreets/goconvey/convey"

	model "github.com/eyesense/gazemap/internal/domain/model"
)

func TestCalibrationTarget(t *testing.T) {
	convey.Convey("Given a calibration target at 90% x 10%", t, func() {
		target := model.CalibrationTarget{ID: 2, XPercent: 90, YPercent: 10, ClicksRequired: 5, Visible: true}

		convey.Convey("When projecting onto a 1000x500 viewport", func() {
			p := target.ScreenPosition(r2.Point{X: 1000, Y: 500})

			convey.Convey("Then it lands on the percentage offsets", func() {
				convey.So(p.X, convey.ShouldAlmostEqual, 900)
				convey.So(p.Y, convey.ShouldAlmostEqual, 50)
			})
		})

		convey.Convey("When counting clicks", func() {
			convey.So(target.Done(), convey.ShouldBeFalse)
			target.ClicksReceived = 5
			convey.So(target.Done(), convey.ShouldBeTrue)
		})
	})
}

func TestPipelineState(t *testing.T) {
	convey.Convey("Given the pipeline states", t, func() {
		convey.Convey("Then names match the lifecycle", func() {
			convey.So(model.StateIdle.String(), convey.ShouldEqual, "Idle")
			convey.So(model.StateAwaitingPermission.String(), convey.ShouldEqual, "AwaitingPermission")
			convey.So(model.StateSynthesizing.String(), convey.ShouldEqual, "Synthesizing")
			convey.So(model.PipelineState(42).String(), convey.ShouldEqual, "Unknown")
		})

		convey.Convey("Then only Done and Failed are terminal", func() {
			convey.So(model.StateDone.Terminal(), convey.ShouldBeTrue)
			convey.So(model.StateFailed.Terminal(), convey.ShouldBeTrue)
			convey.So(model.StateTracking.Terminal(), convey.ShouldBeFalse)
		})

		convey.Convey("Then cancel is valid only while waiting on the respondent", func() {
			convey.So(model.StateAwaitingPermission.Cancellable(), convey.ShouldBeTrue)
			convey.So(model.StateCalibrating.Cancellable(), convey.ShouldBeTrue)
			convey.So(model.StateTracking.Cancellable(), convey.ShouldBeTrue)
			convey.So(model.StateIdle.Cancellable(), convey.ShouldBeFalse)
			convey.So(model.StateSynthesizing.Cancellable(), convey.ShouldBeFalse)
		})

		convey.Convey("Then states round-trip through JSON by name", func() {
			b, err := json.Marshal(model.Transition{From: model.StateTracking, To: model.StateSynthesizing})
			convey.So(err, convey.ShouldBeNil)
			convey.So(string(b), convey.ShouldContainSubstring, `"from":"Tracking"`)

			var tr model.Transition
			convey.So(json.Unmarshal(b, &tr), convey.ShouldBeNil)
			convey.So(tr.To, convey.ShouldEqual, model.StateSynthesizing)

			_, err = model.ParseState("Paused")
			convey.So(err, convey.ShouldNotBeNil)
		})
	})
}

func TestPipelineError(t *testing.T) {
	convey.Convey("Given a wrapped pipeline error", t, func() {
		err := fmt.Errorf("run: %w", model.NewPipelineError(model.ReasonUserCancelled, model.ErrUserCancelled))

		convey.Convey("Then the reason and sentinel survive wrapping", func() {
			convey.So(model.ReasonOf(err), convey.ShouldEqual, model.ReasonUserCancelled)
			convey.So(errors.Is(err, model.ErrUserCancelled), convey.ShouldBeTrue)
			convey.So(err.Error(), convey.ShouldContainSubstring, "UserCancelled")
		})

		convey.Convey("Then bare sentinels map to their reason", func() {
			convey.So(model.ReasonOf(model.ErrImageDecode), convey.ShouldEqual, model.ReasonImageDecode)
			convey.So(model.ReasonOf(model.ErrPermissionTimedOut), convey.ShouldEqual, model.ReasonDeviceUnavailable)
			convey.So(model.ReasonOf(errors.New("boom")), convey.ShouldEqual, model.ReasonSynthesisFailed)
			convey.So(model.ReasonOf(nil), convey.ShouldEqual, model.ReasonNone)
		})
	})

	convey.Convey("Given a result with no retained samples", t, func() {
		r := model.HeatmapResult{SampleCount: 3}
		convey.So(r.Degenerate(), convey.ShouldBeTrue)
	})
}
