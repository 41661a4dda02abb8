// Package curiosity turns conversation turns into a ranked exploration
// backlog and runs the highest-priority items as autonomous missions.
package curiosity

import (
	"regexp"
	"strings"
	"sync"

	"github.com/dere-ai/dere/pkg/models"
)

// Signal is one curiosity trigger extracted from a conversation turn.
type Signal struct {
	Type          models.CuriosityType
	Topic         string
	SourceContext string
	TriggerReason string
	UserInterest  float64 // [0,1]
	KnowledgeGap  float64 // [0,1]
}

// Turn is the unit the detectors inspect: the user's message plus the
// assistant reply that preceded it, when there is one.
type Turn struct {
	UserID            string
	UserText          string
	PriorAssistantText string
}

// Detector inspects a turn and yields zero or more signals.
type Detector interface {
	Detect(turn Turn) []Signal
}

// DefaultDetectors returns the standard detector set.
func DefaultDetectors() []Detector {
	return []Detector{
		newEntityDetector(),
		correctionDetector{},
		emotionalPeakDetector{},
		unfinishedThreadDetector{},
		knowledgeGapDetector{},
	}
}

func snippet(s string, max int) string {
	s = strings.TrimSpace(s)
	if len(s) <= max {
		return s
	}
	return s[:max]
}

// entityDetector flags capitalized multi-word phrases it has not seen
// before. The seen set is process-local; restarts re-learn, which at worst
// re-triggers a dedupe-absorbed task.
type entityDetector struct {
	mu   sync.Mutex
	seen map[string]struct{}
}

func newEntityDetector() *entityDetector {
	return &entityDetector{seen: map[string]struct{}{}}
}

// Single-letter words stay in so names like "Gravity Probe B" keep their
// trailing initial.
var entityPattern = regexp.MustCompile(`\b[A-Z][a-zA-Z0-9]*(?:\s+[A-Z][a-zA-Z0-9]*)+\b`)

// commonOpeners are sentence-initial words that look like proper nouns only
// because of capitalization.
var commonOpeners = map[string]struct{}{
	"the": {}, "this": {}, "that": {}, "what": {}, "when": {}, "where": {},
	"how": {}, "why": {}, "can": {}, "could": {}, "i": {}, "we": {},
}

func (d *entityDetector) Detect(turn Turn) []Signal {
	var out []Signal
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, m := range entityPattern.FindAllString(turn.UserText, -1) {
		first := strings.ToLower(strings.Fields(m)[0])
		if _, common := commonOpeners[first]; common {
			continue
		}
		key := strings.ToLower(m)
		if _, ok := d.seen[key]; ok {
			continue
		}
		d.seen[key] = struct{}{}
		out = append(out, Signal{
			Type:          models.CuriosityUnfamiliarEntity,
			Topic:         m,
			SourceContext: snippet(turn.UserText, 240),
			TriggerReason: "previously unseen entity mentioned",
			UserInterest:  0.5,
			KnowledgeGap:  0.7,
		})
	}
	return out
}

type correctionDetector struct{}

var correctionPhrases = []string{
	"no, ", "that's wrong", "thats wrong", "that's not right",
	"actually, ", "actually it", "not what i said", "not what i meant",
	"you're wrong", "incorrect", "i said ",
}

func (correctionDetector) Detect(turn Turn) []Signal {
	if turn.PriorAssistantText == "" {
		return nil
	}
	lower := strings.ToLower(turn.UserText)
	for _, p := range correctionPhrases {
		if strings.Contains(lower, p) {
			return []Signal{{
				Type:          models.CuriosityCorrection,
				Topic:         "correction: " + snippet(turn.UserText, 60),
				SourceContext: snippet(turn.PriorAssistantText, 240),
				TriggerReason: "user contradicted the assistant",
				UserInterest:  0.8,
				KnowledgeGap:  0.9,
			}}
		}
	}
	return nil
}

type emotionalPeakDetector struct{}

var intenseWords = []string{
	"amazing", "incredible", "hate", "love", "furious", "terrified",
	"devastated", "thrilled", "awful", "fantastic", "unbelievable",
}

func (emotionalPeakDetector) Detect(turn Turn) []Signal {
	text := turn.UserText
	intensity := 0.0
	intensity += 0.3 * float64(strings.Count(text, "!"))
	for _, w := range strings.Fields(text) {
		if len(w) > 3 && w == strings.ToUpper(w) && w != strings.ToLower(w) {
			intensity += 0.3
		}
	}
	lower := strings.ToLower(text)
	for _, w := range intenseWords {
		if strings.Contains(lower, w) {
			intensity += 0.4
		}
	}
	if intensity < 0.6 {
		return nil
	}
	if intensity > 1 {
		intensity = 1
	}
	return []Signal{{
		Type:          models.CuriosityEmotionalPeak,
		Topic:         "emotional moment: " + snippet(turn.UserText, 60),
		SourceContext: snippet(turn.UserText, 240),
		TriggerReason: "high-intensity sentiment",
		UserInterest:  intensity,
		KnowledgeGap:  0.4,
	}}
}

type unfinishedThreadDetector struct{}

var yesNoOpeners = []string{
	"do ", "does ", "did ", "is ", "are ", "was ", "were ", "can ",
	"could ", "will ", "would ", "should ", "have ", "has ", "shall ",
}

var shortAnswers = []string{
	"yes", "no", "yeah", "yep", "nope", "nah", "sure", "ok", "okay",
	"maybe", "probably", "definitely", "not really",
}

func (unfinishedThreadDetector) Detect(turn Turn) []Signal {
	assistant := strings.TrimSpace(turn.PriorAssistantText)
	if assistant == "" || !strings.HasSuffix(assistant, "?") {
		return nil
	}
	question := lastSentence(assistant)
	user := strings.ToLower(strings.TrimSpace(turn.UserText))

	// A short answer to a yes/no question is an answer, not a pivot.
	if isYesNoQuestion(question) {
		for _, a := range shortAnswers {
			if user == a || strings.HasPrefix(user, a+" ") || strings.HasPrefix(user, a+",") {
				return nil
			}
		}
	}
	// Heuristic pivot check: the reply shares no content word with the
	// question.
	if sharesContentWord(question, turn.UserText) {
		return nil
	}
	return []Signal{{
		Type:          models.CuriosityUnfinishedThread,
		Topic:         "unanswered: " + snippet(question, 60),
		SourceContext: snippet(assistant, 240),
		TriggerReason: "user pivoted away from an open question",
		UserInterest:  0.4,
		KnowledgeGap:  0.6,
	}}
}

func lastSentence(s string) string {
	trimmed := strings.TrimSuffix(s, "?")
	idx := strings.LastIndexAny(trimmed, ".!?")
	if idx >= 0 {
		trimmed = trimmed[idx+1:]
	}
	return strings.TrimSpace(trimmed) + "?"
}

func isYesNoQuestion(q string) bool {
	lower := strings.ToLower(strings.TrimSpace(q))
	for _, o := range yesNoOpeners {
		if strings.HasPrefix(lower, o) {
			return true
		}
	}
	return false
}

func sharesContentWord(a, b string) bool {
	words := func(s string) map[string]struct{} {
		out := map[string]struct{}{}
		for _, w := range strings.Fields(strings.ToLower(s)) {
			w = strings.Trim(w, ".,!?;:\"'")
			if len(w) >= 4 {
				out[w] = struct{}{}
			}
		}
		return out
	}
	wa := words(a)
	for w := range words(b) {
		if _, ok := wa[w]; ok {
			return true
		}
	}
	return false
}

type knowledgeGapDetector struct{}

var hedgingPhrases = []string{
	"i'm not sure", "i am not sure", "i don't know", "i do not know",
	"i believe", "i think it might", "not certain", "it's unclear",
	"i can't say for certain", "hard to say",
}

func (knowledgeGapDetector) Detect(turn Turn) []Signal {
	if turn.PriorAssistantText == "" {
		return nil
	}
	lower := strings.ToLower(turn.PriorAssistantText)
	for _, p := range hedgingPhrases {
		if strings.Contains(lower, p) {
			return []Signal{{
				Type:          models.CuriosityKnowledgeGap,
				Topic:         "gap: " + snippet(turn.UserText, 60),
				SourceContext: snippet(turn.PriorAssistantText, 240),
				TriggerReason: "assistant hedged on the answer",
				UserInterest:  0.5,
				KnowledgeGap:  0.8,
			}}
		}
	}
	return nil
}
