package temperature

import (
	"context"

	"github.com/rs/zerolog/log"

	"github.com/thatsimonsguy/seedling-controller/internal/ds18b20"
)

// Lazy is a sensor that failed to answer at startup. Every Sense retries
// the open until it succeeds.
type Lazy struct {
	name string
	open func() (Sensor, error)
	res  ds18b20.Resolution
	dev  Sensor
}

func NewLazy(name string, res ds18b20.Resolution, open func() (Sensor, error)) *Lazy {
	return &Lazy{name: name, open: open, res: res}
}

func (l *Lazy) Sense(ctx context.Context) (float64, error) {
	if l.dev == nil {
		dev, err := l.open()
		if err != nil {
			return 0, err
		}
		log.Info().Str("sensor", l.name).Msg("Sensor answered, now in service")
		l.dev = dev
	}
	return l.dev.Sense(ctx)
}

func (l *Lazy) Resolution() ds18b20.Resolution {
	if l.dev != nil {
		return l.dev.Resolution()
	}
	return l.res
}
