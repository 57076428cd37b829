package watch

import (
	"strings"
	"time"
)

// Activity shows recent event flow with a decaying dot pattern. It
// lights up when events arrive and fades as the stream goes quiet.
type Activity struct {
	dots      int
	lastEvent time.Time
}

func (a *Activity) OnEvent() {
	a.dots = 5
	a.lastEvent = time.Now()
}

// Decay fades the dots based on time since the last event.
func (a *Activity) Decay() {
	if a.dots == 0 {
		return
	}
	elapsed := time.Since(a.lastEvent)
	switch {
	case elapsed > 10*time.Second:
		a.dots = 0
	case elapsed > 8*time.Second:
		a.dots = 1
	case elapsed > 6*time.Second:
		a.dots = 2
	case elapsed > 4*time.Second:
		a.dots = 3
	case elapsed > 2*time.Second:
		a.dots = 4
	}
}

func (a Activity) Render(theme Theme) string {
	var result strings.Builder
	for i := 0; i < 5; i++ {
		if i < a.dots {
			result.WriteString(theme.ActivityOn.Render("●"))
		} else {
			result.WriteString(theme.ActivityOff.Render("○"))
		}
	}
	return result.String()
}

func (a Activity) LastEvent() time.Time {
	return a.lastEvent
}
