package track

import (
	"testing"
)

func TestDetectPinnedLevels(t *testing.T) {
	t.Parallel()

	var d LadderDetector
	cases := []struct {
		utterance string
		want      int
	}{
		{"Scava con me: cosa intendi esattamente?", 1},
		{"Capisco. E perché questo è importante per te?", 2},
		{"Cosa succede veramente quando provi a vendere?", 3},
		{"A livello pratico, qual è il punto critico?", 4},
		{"Cosa significa per te personalmente?", 5},
		{"Perché stai cercando una soluzione proprio adesso?", 6},
	}
	for _, tc := range cases {
		got, ok := d.Detect(tc.utterance, 0)
		if !ok {
			t.Fatalf("expected %q to trigger the ladder", tc.utterance)
		}
		if got != tc.want {
			t.Fatalf("%q: expected level %d, got %d", tc.utterance, tc.want, got)
		}
	}
}

func TestDetectEscalatesFromLastLevel(t *testing.T) {
	t.Parallel()

	var d LadderDetector
	// An unpinned trigger escalates one past the last level.
	got, ok := d.Detect("Aiutami a capire meglio la situazione", 1)
	if !ok {
		t.Fatal("expected trigger")
	}
	if got != 2 {
		t.Fatalf("expected escalation to level 2, got %d", got)
	}
}

func TestDetectCapsAtMaxLevel(t *testing.T) {
	t.Parallel()

	var d LadderDetector
	got, ok := d.Detect("Dimmi tutto, anche solo un esempio", MaxLadderLevel)
	if !ok {
		t.Fatal("expected trigger")
	}
	if got != MaxLadderLevel {
		t.Fatalf("expected cap at %d, got %d", MaxLadderLevel, got)
	}
}

func TestDetectIgnoresPlainQuestions(t *testing.T) {
	t.Parallel()

	var d LadderDetector
	if _, ok := d.Detect("Parlami del tuo business attuale", 0); ok {
		t.Fatal("plain scripted question must not trigger the ladder")
	}
}

func TestIsVague(t *testing.T) {
	t.Parallel()

	var d LadderDetector
	vague := []string{
		"Boh, non lo so",
		"Ci sono problemi",
		"Più o meno",
		"Va male",
	}
	for _, r := range vague {
		if !d.IsVague(r) {
			t.Fatalf("expected %q to be vague", r)
		}
	}

	specific := []string{
		"Spendiamo 2000 euro al mese in pubblicità",
		"I clienti arrivano solo da Facebook",
		"Il mio socio non vuole investire nel marketing del negozio",
	}
	for _, r := range specific {
		if d.IsVague(r) {
			t.Fatalf("expected %q to be specific", r)
		}
	}
}

func TestIsVagueWordCountBoundary(t *testing.T) {
	t.Parallel()

	var d LadderDetector
	// No digits and no domain nouns, so only the word count decides.
	if d.IsVague("lavoro principalmente con aziende locali qui") {
		t.Fatal("a six-word answer must count as specific")
	}
	if !d.IsVague("lavoro principalmente con aziende locali") {
		t.Fatal("a five-word answer without substance must stay vague")
	}
}
