package service

import (
	"context"
	"encoding/base64"
	"errors"
	"testing"
	"time"

	. "github.com/smartystreets/goconvey/convey"

	"github.com/eyesense/gazemap/internal/adapters/stimulus"
	"github.com/eyesense/gazemap/internal/adapters/storage"
	"github.com/eyesense/gazemap/internal/domain/model"
	"github.com/eyesense/gazemap/pkg/clock"
)

type nopBlobs struct{}

func (nopBlobs) Put(context.Context, storage.Blob) error { return nil }

func (nopBlobs) Get(context.Context, storage.Kind, string) (storage.Blob, error) {
	return storage.Blob{}, storage.ErrNotFound
}

func TestSweep(t *testing.T) {
	Convey("Given a session older than the TTL", t, func() {
		ctx := context.Background()
		clk := clock.NewManual(time.Date(2025, 5, 1, 9, 0, 0, 0, time.UTC))
		s := New(nopBlobs{}, stimulus.NewResolver(nil),
			WithClock(clk), WithSessionTTL(time.Minute), WithPermissionTimeout(0))
		So(s.Start(ctx), ShouldBeNil)
		Reset(func() { _ = s.Stop(ctx) })

		old, err := s.CreateSession(ctx, CreateRequest{StimulusBase64: base64.StdEncoding.EncodeToString([]byte("x")), Width: 4, Height: 4})
		So(err, ShouldBeNil)
		_, err = s.SubmitGaze(ctx, old.ID, "b1", nil)
		So(err, ShouldBeNil)
		sess, _ := s.get(old.ID)

		clk.Advance(30 * time.Second)
		young, err := s.CreateSession(ctx, CreateRequest{StimulusBase64: base64.StdEncoding.EncodeToString([]byte("y")), Width: 4, Height: 4})
		So(err, ShouldBeNil)
		clk.Advance(30 * time.Second)

		Convey("When the janitor sweeps", func() {
			n := s.sweep(clk.Now())

			Convey("Then only the expired session is dropped and failed", func() {
				So(n, ShouldEqual, 1)
				_, err := s.Session(ctx, old.ID)
				So(errors.Is(err, ErrSessionNotFound), ShouldBeTrue)
				_, err = s.Session(ctx, young.ID)
				So(err, ShouldBeNil)

				So(sess.orch.State(), ShouldEqual, model.StateFailed)
				So(model.ReasonOf(sess.orch.Err()), ShouldEqual, model.ReasonUserCancelled)
				So(s.deduper.Size(), ShouldEqual, 0)
			})
		})
	})
}
