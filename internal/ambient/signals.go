package ambient

import (
	"strings"

	"github.com/dere-ai/dere/internal/collab"
	"github.com/dere-ai/dere/internal/config"
)

// Signals holds one scalar per input channel, each in [-1, +1]. Negative
// pushes toward suppression, positive toward engagement.
type Signals struct {
	Activity       float64
	Emotion        float64
	Responsiveness float64
	Temporal       float64
	Task           float64
	Bond           float64
}

// Fuse computes the weighted engagement score.
func Fuse(s Signals, cfg config.AmbientConfig) float64 {
	return cfg.FSMWeightActivity*s.Activity +
		cfg.FSMWeightEmotion*s.Emotion +
		cfg.FSMWeightResponsiveness*s.Responsiveness +
		cfg.FSMWeightTemporal*s.Temporal +
		cfg.FSMWeightTask*s.Task +
		cfg.FSMWeightBond*s.Bond
}

var (
	deepWorkApps = []string{"code", "vim", "nvim", "emacs", "intellij", "goland", "pycharm", "xcode", "zed", "sublime"}
	meetingApps  = []string{"zoom", "meet", "teams", "webex", "facetime"}
	mailApps     = []string{"mail", "outlook", "thunderbird", "gmail"}
	terminalApps = []string{"terminal", "iterm", "alacritty", "kitty", "wezterm", "ghostty"}
	browserApps  = []string{"chrome", "safari", "firefox", "arc", "brave", "edge"}
)

func appMatches(app string, names []string) bool {
	lower := strings.ToLower(app)
	for _, n := range names {
		if strings.Contains(lower, n) {
			return true
		}
	}
	return false
}

// ActivitySignal scores the current app and how long the user has been in
// it. Sustained deep work suppresses hard; a mail client invites contact.
func ActivitySignal(act *collab.Activity, streakSeconds int) float64 {
	if act.Empty() || act.AFK {
		return 0
	}
	switch {
	case appMatches(act.App, deepWorkApps) && streakSeconds > 30*60:
		return -0.8
	case appMatches(act.App, meetingApps):
		return -0.6
	case appMatches(act.App, mailApps):
		return 0.3
	case appMatches(act.App, terminalApps) && streakSeconds > 20*60:
		return -0.3
	case appMatches(act.App, browserApps):
		return 0.1
	}
	return 0
}

var negativeEmotions = map[string]bool{
	"distress": true, "anger": true, "fear": true, "sadness": true,
}

var positiveEmotions = map[string]bool{
	"interest": true, "joy": true, "excitement": true,
}

// EmotionSignal scores the collaborator's affect reading.
func EmotionSignal(state *collab.EmotionState) float64 {
	if state == nil {
		return 0
	}
	emotion := strings.ToLower(state.Emotion)
	switch {
	case negativeEmotions[emotion]:
		if state.Intensity > 60 {
			return -0.7
		}
		return -0.3
	case positiveEmotions[emotion]:
		if state.Intensity > 50 {
			return 0.6
		}
		return 0.3
	}
	return 0
}

// ResponsivenessSignal scores the user's recent acknowledgment rate.
// sampled is false when there were no recent notifications to measure.
func ResponsivenessSignal(ackRate float64, sampled bool) float64 {
	if !sampled {
		return 0
	}
	switch {
	case ackRate > 0.7:
		return 0.5
	case ackRate < 0.3:
		return -0.5
	}
	return 0
}

// TemporalSignal scores the local hour of day. Nights suppress; working and
// evening hours invite.
func TemporalSignal(hour int) float64 {
	switch {
	case hour >= 23 || hour < 7:
		return -0.8
	case hour >= 9 && hour < 17:
		return 0.3
	case hour >= 17 && hour < 22:
		return 0.2
	}
	return 0
}

// TaskSignal scores outstanding work pressure.
func TaskSignal(overdue, dueSoon int) float64 {
	switch {
	case overdue > 5:
		return 0.9
	case overdue > 2:
		return 0.6
	case dueSoon > 3:
		return 0.4
	}
	return 0
}

// BondSignal scores relationship affection [0,100] when a bond collaborator
// reports one. trend is the recent delta, streak the consecutive-day count.
func BondSignal(affection, trend float64, streakDays int, present bool) float64 {
	if !present {
		return 0
	}
	var base float64
	switch {
	case affection >= 80:
		base = 0.7
	case affection >= 60:
		base = 0.4
	case affection >= 40:
		base = 0.1
	case affection > 20:
		base = -0.3
	default:
		base = -0.8
	}
	if trend > 0 {
		base += 0.1
	} else if trend < 0 {
		base -= 0.1
	}
	if streakDays >= 7 {
		base += 0.1
	}
	if base > 1 {
		base = 1
	}
	if base < -1 {
		base = -1
	}
	return base
}
