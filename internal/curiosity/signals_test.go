package curiosity

import (
	"testing"

	"github.com/dere-ai/dere/pkg/models"
)

func TestEntityDetectorSeenOnce(t *testing.T) {
	d := newEntityDetector()
	turn := Turn{UserID: "u1", UserText: "I started reading about Gravity Probe B today"}

	sigs := d.Detect(turn)
	if len(sigs) != 1 {
		t.Fatalf("got %d signals, want 1", len(sigs))
	}
	if sigs[0].Type != models.CuriosityUnfamiliarEntity || sigs[0].Topic != "Gravity Probe B" {
		t.Fatalf("signal = %+v", sigs[0])
	}

	// Second mention of the same entity is no longer unfamiliar.
	if again := d.Detect(turn); len(again) != 0 {
		t.Fatalf("repeat mention produced %d signals", len(again))
	}
}

func TestEntityDetectorSkipsSentenceOpeners(t *testing.T) {
	d := newEntityDetector()
	sigs := d.Detect(Turn{UserText: "The Weather Today is nice"})
	for _, s := range sigs {
		if s.Topic == "The Weather Today" {
			t.Fatalf("capitalized sentence opener treated as entity: %+v", s)
		}
	}
}

func TestCorrectionDetector(t *testing.T) {
	d := correctionDetector{}

	sigs := d.Detect(Turn{
		UserText:           "No, that's wrong, it was released in 2019",
		PriorAssistantText: "It was released in 2021.",
	})
	if len(sigs) != 1 || sigs[0].Type != models.CuriosityCorrection {
		t.Fatalf("signals = %+v", sigs)
	}

	// Without a prior assistant turn there is nothing to contradict.
	if sigs := d.Detect(Turn{UserText: "no, thanks"}); len(sigs) != 0 {
		t.Fatalf("correction without prior turn: %+v", sigs)
	}
}

func TestUnfinishedThreadDetector(t *testing.T) {
	d := unfinishedThreadDetector{}

	// Pivot away from an open question.
	sigs := d.Detect(Turn{
		UserText:           "anyway, what's for dinner tonight",
		PriorAssistantText: "Which framework were you leaning towards?",
	})
	if len(sigs) != 1 || sigs[0].Type != models.CuriosityUnfinishedThread {
		t.Fatalf("signals = %+v", sigs)
	}

	// A yes/no answer to a yes/no question is not a pivot.
	if sigs := d.Detect(Turn{
		UserText:           "yes",
		PriorAssistantText: "Do you want me to set a reminder?",
	}); len(sigs) != 0 {
		t.Fatalf("yes/no answer counted as pivot: %+v", sigs)
	}

	// An on-topic reply is not a pivot either.
	if sigs := d.Detect(Turn{
		UserText:           "probably the lightweight framework",
		PriorAssistantText: "Which framework were you leaning towards?",
	}); len(sigs) != 0 {
		t.Fatalf("on-topic reply counted as pivot: %+v", sigs)
	}
}

func TestKnowledgeGapDetector(t *testing.T) {
	d := knowledgeGapDetector{}
	sigs := d.Detect(Turn{
		UserText:           "when does the eclipse happen",
		PriorAssistantText: "I'm not sure about the exact date, it might be in April.",
	})
	if len(sigs) != 1 || sigs[0].Type != models.CuriosityKnowledgeGap {
		t.Fatalf("signals = %+v", sigs)
	}
}

func TestEmotionalPeakDetector(t *testing.T) {
	d := emotionalPeakDetector{}
	if sigs := d.Detect(Turn{UserText: "this is AMAZING!! I love it!"}); len(sigs) != 1 {
		t.Fatalf("high-intensity text missed: %+v", sigs)
	}
	if sigs := d.Detect(Turn{UserText: "sounds fine to me"}); len(sigs) != 0 {
		t.Fatalf("neutral text flagged: %+v", sigs)
	}
}
