package sensor

import (
	"context"
	"time"
)

// Clock abstracts time for the polling helpers so tests can run them
// without real delays.
type Clock interface {
	Now() time.Time
	Sleep(ctx context.Context, d time.Duration) error
}

// WallClock is the real-time Clock.
type WallClock struct{}

func (WallClock) Now() time.Time { return time.Now() }

func (WallClock) Sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Ticks32 folds a time into the sensor's wrapping 32 bit millisecond
// counter. Elapsed times that span a wrap still subtract correctly in
// uint32 arithmetic.
func Ticks32(t time.Time) uint32 {
	return uint32(t.UnixMilli())
}

// DefaultPollInterval paces WaitDataReady between status reads.
const DefaultPollInterval = time.Millisecond

// WaitDataReady polls the transport until measured data is ready or the
// context expires. It stands in for the hardware interrupt line on
// transports that cannot deliver one.
func WaitDataReady(ctx context.Context, t Transport, clock Clock) (Status, error) {
	if clock == nil {
		clock = WallClock{}
	}
	for {
		st, err := t.Status()
		if err != nil {
			return Status{}, err
		}
		if st.DataReady {
			return st, nil
		}
		if err := clock.Sleep(ctx, DefaultPollInterval); err != nil {
			return Status{}, err
		}
	}
}
