package tracker

import (
	"math/rand"
	"time"

	"github.com/DropFlow/TrackFlow/config"
	"github.com/DropFlow/TrackFlow/internal/models"
)

// Planner решает, когда трек проверять в следующий раз.
// Активные статусы опрашиваются чаще, терминальные паркуются на год,
// после ошибок провайдера работает лестница бэкоффов.
type Planner struct {
	inTransitMin time.Duration
	inTransitMax time.Duration
	exception    time.Duration
	unknown      time.Duration
	backoff      []time.Duration

	randInt func(n int) int
}

func NewPlanner(cfg config.TrackFlowConfig) *Planner {
	sec := func(v, def int) time.Duration {
		if v <= 0 {
			v = def
		}
		return time.Duration(v) * time.Second
	}

	return &Planner{
		inTransitMin: sec(cfg.NextCheckInTransitMinSeconds, 30*60),
		inTransitMax: sec(cfg.NextCheckInTransitMaxSeconds, 120*60),
		exception:    sec(cfg.NextCheckExceptionSeconds, 6*60*60),
		unknown:      sec(cfg.NextCheckUnknownSeconds, 90*60),
		backoff: []time.Duration{
			sec(cfg.Backoff1Seconds, 5*60),
			sec(cfg.Backoff2Seconds, 15*60),
			sec(cfg.Backoff3Seconds, 30*60),
			sec(cfg.Backoff4Seconds, 60*60),
		},
		randInt: rand.Intn,
	}
}

// parked — "больше не опрашиваем": delivered и expired выходят из ротации,
// но остаются доступными для ручного refresh.
const parked = 365 * 24 * time.Hour

// Plan возвращает момент следующей проверки для успешно обновлённого трека.
func (p *Planner) Plan(status string, now time.Time) time.Time {
	switch status {
	case models.TrackingStatusDelivered, models.TrackingStatusExpired:
		return now.Add(parked)
	case models.TrackingStatusException:
		return now.Add(p.exception)
	case models.TrackingStatusUnknown:
		return now.Add(p.unknown)
	case models.TrackingStatusOutForDelivery:
		// Финальная миля: проверяем по нижней границе окна.
		return now.Add(p.inTransitMin)
	default:
		return now.Add(p.jittered())
	}
}

// Backoff возвращает момент повторной попытки после failCount подряд ошибок.
// За пределами лестницы действует последняя ступень.
func (p *Planner) Backoff(failCount int32, now time.Time) time.Time {
	if failCount < 1 {
		failCount = 1
	}
	idx := int(failCount) - 1
	if idx >= len(p.backoff) {
		idx = len(p.backoff) - 1
	}
	return now.Add(p.backoff[idx])
}

// jittered размазывает проверки по окну [min, max], чтобы пачка треков,
// созданных одним импортом, не опрашивалась синхронно.
func (p *Planner) jittered() time.Duration {
	spread := p.inTransitMax - p.inTransitMin
	if spread <= 0 {
		return p.inTransitMin
	}
	return p.inTransitMin + time.Duration(p.randInt(int(spread)))
}
