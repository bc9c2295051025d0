package collector

import (
	"context"

	logx "flightcollector/pkg/logx"

	"github.com/dustin/go-humanize"
)

// LogDisplay writes progress samples to the log. Samples without new frames
// go to debug level.
type LogDisplay struct {
	Log logx.Logger
}

func (d LogDisplay) Update(_ context.Context, p Progress) error {
	fields := []logx.Field{
		logx.String("frames", "+"+humanize.Comma(int64(p.Frames))),
		logx.String("new_aircraft", "+"+humanize.Comma(int64(p.NewAircraft))),
		logx.String("new_flights", "+"+humanize.Comma(int64(p.NewFlights))),
		logx.String("total_frames", humanize.Comma(int64(p.TotalFrames))),
		logx.String("live", humanize.Comma(int64(p.Live))),
		logx.Int("pending", p.Pending),
		logx.String("state", p.State.String()),
	}
	if p.Dropped > 0 {
		fields = append(fields, logx.String("dropped", humanize.Comma(int64(p.Dropped))))
	}
	if p.Frames == 0 {
		d.Log.Debug("progress", fields...)
		return nil
	}
	d.Log.Info("progress", fields...)
	return nil
}
